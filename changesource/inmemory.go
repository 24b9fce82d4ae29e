package changesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/toga4/changewatch"
)

// InmemoryLog is an append-only change log held in memory.
//
// Each appended event gets a position {"seq":N} with N increasing from 1.
// Truncate drops old events to emulate a limited retention window.
// Opening without a position starts at the tail: only events appended afterwards are delivered.
type InmemoryLog struct {
	mu        sync.Mutex
	namespace changewatch.Namespace
	events    []*changewatch.ChangeEvent
	firstSeq  int64 // seq of events[0]
	nextSeq   int64
	wake      chan struct{}
	closed    bool
}

// NewInmemory creates a new empty InmemoryLog for the namespace.
func NewInmemory(namespace changewatch.Namespace) *InmemoryLog {
	return &InmemoryLog{
		namespace: namespace,
		firstSeq:  1,
		nextSeq:   1,
		wake:      make(chan struct{}),
	}
}

// Assert that InmemoryLog implements Source.
var _ changewatch.Source = (*InmemoryLog)(nil)

type inmemoryPosition struct {
	Seq int64 `json:"seq"`
}

// InmemoryPosition returns the position of the event with the given sequence number.
func InmemoryPosition(seq int64) changewatch.Position {
	b, _ := json.Marshal(inmemoryPosition{Seq: seq})
	return changewatch.Position(b)
}

func parseInmemoryPosition(p changewatch.Position) (int64, error) {
	var v inmemoryPosition
	if err := json.Unmarshal(p, &v); err != nil {
		return 0, err
	}
	if v.Seq < 1 {
		return 0, fmt.Errorf("invalid sequence %d", v.Seq)
	}
	return v.Seq, nil
}

// Append adds an event to the log and wakes up waiting cursors.
func (l *InmemoryLog) Append(op changewatch.OperationType, key, before, after map[string]any) changewatch.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.nextSeq
	l.nextSeq++

	e := &changewatch.ChangeEvent{
		OperationType:            op,
		Namespace:                l.namespace,
		DocumentKey:              key,
		FullDocument:             after,
		FullDocumentBeforeChange: before,
		ClusterTime:              time.Now().UTC(),
		Position:                 InmemoryPosition(seq),
	}
	l.events = append(l.events, e)

	if !l.closed {
		close(l.wake)
		l.wake = make(chan struct{})
	}

	return e.Position
}

// Truncate drops every event with a sequence number up to and including seq.
func (l *InmemoryLog) Truncate(seq int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.events) > 0 && l.firstSeq <= seq {
		l.events[0] = nil
		l.events = l.events[1:]
		l.firstSeq++
	}
	if len(l.events) == 0 && l.firstSeq <= seq {
		l.firstSeq = seq + 1
		if l.nextSeq < l.firstSeq {
			l.nextSeq = l.firstSeq
		}
	}
}

// Close makes every cursor fail with ErrSourceUnavailable once it has drained the log.
func (l *InmemoryLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.wake)
}

func (l *InmemoryLog) Open(ctx context.Context, start changewatch.Position) (changewatch.Cursor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("%w: log is closed", changewatch.ErrSourceUnavailable)
	}

	if start == nil {
		return &inmemoryCursor{log: l, next: l.nextSeq}, nil
	}

	seq, err := parseInmemoryPosition(start)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid position %s: %w", changewatch.ErrSourceUnavailable, start, err)
	}
	if seq >= l.nextSeq {
		return nil, fmt.Errorf("%w: position %s is ahead of the log", changewatch.ErrSourceUnavailable, start)
	}
	if seq+1 < l.firstSeq {
		return nil, fmt.Errorf("%w: position %s, oldest retained is %d", changewatch.ErrPositionExpired, start, l.firstSeq)
	}

	return &inmemoryCursor{log: l, next: seq + 1}, nil
}

type inmemoryCursor struct {
	log    *InmemoryLog
	next   int64
	closed bool
}

var errCursorClosed = errors.New("cursor is closed")

func (c *inmemoryCursor) Next(ctx context.Context) (*changewatch.ChangeEvent, error) {
	for {
		if c.closed {
			return nil, errCursorClosed
		}

		e, wake, err := c.poll()
		if err != nil || e != nil {
			return e, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// poll returns the next event if available, or the channel that is closed on the next append.
func (c *inmemoryCursor) poll() (*changewatch.ChangeEvent, <-chan struct{}, error) {
	l := c.log
	l.mu.Lock()
	defer l.mu.Unlock()

	if c.next < l.firstSeq {
		return nil, nil, fmt.Errorf("%w: event %d was truncated before it was read", changewatch.ErrPositionExpired, c.next)
	}
	if c.next < l.nextSeq {
		e := l.events[c.next-l.firstSeq]
		c.next++
		return e, nil, nil
	}
	if l.closed {
		return nil, nil, fmt.Errorf("%w: log is closed", changewatch.ErrSourceUnavailable)
	}
	return nil, l.wake, nil
}

func (c *inmemoryCursor) Close(ctx context.Context) error {
	c.closed = true
	return nil
}
