package changewatch

import (
	"context"
	"fmt"
	"sync/atomic"
)

// State is the lifecycle state of a Watcher.
type State int32

const (
	StateNew State = iota
	StateStarting
	StateWatching
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateWatching:
		return "watching"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Watcher tails a Source, hands each event to a Processor and checkpoints its position.
//
// Events are handled strictly one at a time. The position of an event is saved only
// after Process returned nil for it, so delivery is at-least-once.
type Watcher struct {
	store     CheckpointStore
	source    Source
	processor Processor
	config    *config

	state   atomic.Int32
	started atomic.Bool
}

// NewWatcher creates a new watcher.
func NewWatcher(
	store CheckpointStore,
	source Source,
	processor Processor,
	options ...Option,
) *Watcher {
	return &Watcher{
		store:     store,
		source:    source,
		processor: processor,
		config:    newConfig(options...),
	}
}

// State returns the current state of the watcher.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Run loads the checkpoint, opens the source and processes events until ctx is canceled,
// the configured event limit is reached, or an error occurs.
//
// Run returns nil on graceful stop. Any other outcome is fatal; the returned error wraps one of
// ErrStorageUnavailable, ErrSourceUnavailable, ErrPositionExpired, ErrProcessing or ErrIncompleteEvent.
// A watcher can be run only once.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	logger := w.config.logger

	w.setState(StateStarting)
	position, err := w.store.Load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return w.stop()
		}
		return w.fail(fmt.Errorf("load checkpoint: %w", err))
	}
	if position == nil {
		logger.Info("no checkpoint found, starting from the source default")
	} else {
		logger.Info("resuming from checkpoint", "position", position.String())
	}

	cursor, err := w.source.Open(ctx, position)
	if err != nil {
		// Shutdown while connecting is not a source failure.
		if ctx.Err() != nil {
			return w.stop()
		}
		return w.fail(fmt.Errorf("open source: %w", err))
	}
	defer func() {
		// The cursor must be released even when ctx is already canceled.
		if cerr := cursor.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("failed to close cursor", "error", cerr)
		}
	}()

	w.setState(StateWatching)
	for processed := 0; ; processed++ {
		if w.config.maxEvents > 0 && processed >= w.config.maxEvents {
			logger.Info("event limit reached", "processed", processed)
			return w.stop()
		}
		if ctx.Err() != nil {
			return w.stop()
		}

		event, err := cursor.Next(ctx)
		if err != nil {
			// Errors after ctx is done are the result of the shutdown, not a source failure.
			if ctx.Err() != nil {
				return w.stop()
			}
			return w.fail(fmt.Errorf("read next event: %w", err))
		}

		if err := w.handle(context.WithoutCancel(ctx), event); err != nil {
			return w.fail(err)
		}
	}
}

// handle processes a single event and advances the checkpoint.
// It runs on a context that is not canceled by shutdown so that a started iteration completes.
func (w *Watcher) handle(ctx context.Context, event *ChangeEvent) error {
	logger := w.config.logger

	if err := w.config.statePolicy.check(event); err != nil {
		return err
	}

	logger.Debug("processing event",
		"operation", event.OperationType,
		"namespace", event.Namespace.String(),
		"key", event.DocumentKey,
		"position", event.Position.String(),
	)

	if err := w.processor.Process(ctx, event); err != nil {
		return fmt.Errorf("%w: at position %s: %w", ErrProcessing, event.Position, err)
	}

	if err := w.store.Save(ctx, event.Position); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (w *Watcher) stop() error {
	w.setState(StateStopped)
	return nil
}

func (w *Watcher) fail(err error) error {
	w.setState(StateFailed)
	w.config.logger.Error("watcher failed", "error", err)
	return err
}

func (w *Watcher) setState(s State) {
	prev := State(w.state.Swap(int32(s)))
	if prev != s {
		w.config.logger.Info("watcher state changed", "from", prev, "to", s)
	}
}
