package changewatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Position is an opaque marker issued by a Source for each event.
//
// It holds a JSON object so that it can be persisted as a self-describing document.
// A nil Position means that no position has been recorded.
type Position []byte

// ParsePosition validates b as a position document and returns a copy of it.
func ParsePosition(b []byte) (Position, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' || !json.Valid(b) {
		return nil, fmt.Errorf("position is not a JSON object: %q", truncate(b, 64))
	}
	return Position(bytes.Clone(b)), nil
}

// Equal reports whether p and o are the same marker.
func (p Position) Equal(o Position) bool {
	return bytes.Equal(p, o)
}

func (p Position) String() string {
	return string(p)
}

// MarshalJSON embeds the position document as is.
func (p Position) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return []byte(p), nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// OperationType is the kind of mutation carried by a ChangeEvent.
type OperationType string

const (
	OperationInsert  OperationType = "insert"
	OperationUpdate  OperationType = "update"
	OperationReplace OperationType = "replace"
	OperationDelete  OperationType = "delete"
)

// Valid reports whether t is one of the supported operation kinds.
func (t OperationType) Valid() bool {
	switch t {
	case OperationInsert, OperationUpdate, OperationReplace, OperationDelete:
		return true
	}
	return false
}

// Namespace identifies the collection an event was observed on.
type Namespace struct {
	Database   string `json:"db"`
	Collection string `json:"coll"`
}

func (n Namespace) String() string {
	return n.Database + "." + n.Collection
}

// ChangeEvent is one mutation of a watched record.
//
// Events are produced by a Cursor and must not be modified afterwards.
type ChangeEvent struct {
	OperationType            OperationType  `json:"operation_type"`
	Namespace                Namespace      `json:"ns"`
	DocumentKey              map[string]any `json:"document_key"`
	FullDocument             map[string]any `json:"full_document,omitempty"`
	FullDocumentBeforeChange map[string]any `json:"full_document_before_change,omitempty"`
	ClusterTime              time.Time      `json:"cluster_time"`
	Position                 Position       `json:"position"`
}

// StatePolicy decides how events lacking a before or after state are handled.
type StatePolicy int

const (
	// StateRequired rejects events that lack a state their operation kind must carry.
	// Before-state of an insert and after-state of a delete cannot exist and are treated as empty.
	StateRequired StatePolicy = iota

	// StateWhenAvailable treats every missing state as empty.
	StateWhenAvailable
)

func (p StatePolicy) String() string {
	switch p {
	case StateRequired:
		return "required"
	case StateWhenAvailable:
		return "when_available"
	}
	return fmt.Sprintf("StatePolicy(%d)", int(p))
}

// check verifies e against the policy.
func (p StatePolicy) check(e *ChangeEvent) error {
	if !e.OperationType.Valid() {
		return fmt.Errorf("%w: unsupported operation type %q", ErrSourceUnavailable, e.OperationType)
	}
	if len(e.Position) == 0 {
		return fmt.Errorf("%w: event without position", ErrIncompleteEvent)
	}
	if p == StateWhenAvailable {
		return nil
	}

	needBefore := e.OperationType != OperationInsert
	needAfter := e.OperationType != OperationDelete
	if needBefore && e.FullDocumentBeforeChange == nil {
		return fmt.Errorf("%w: %s event for key %v has no before-state", ErrIncompleteEvent, e.OperationType, e.DocumentKey)
	}
	if needAfter && e.FullDocument == nil {
		return fmt.Errorf("%w: %s event for key %v has no after-state", ErrIncompleteEvent, e.OperationType, e.DocumentKey)
	}
	return nil
}
