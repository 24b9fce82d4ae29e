package changewatch

import "context"

// Source opens cursors over an ordered change log.
type Source interface {
	// Open starts reading strictly after start.
	// If start is nil, the source's default start policy applies.
	//
	// Open fails with ErrSourceUnavailable if the log cannot be reached,
	// or with ErrPositionExpired if start is outside the source's retention window.
	Open(ctx context.Context, start Position) (Cursor, error)
}

// Cursor is a single-consumer handle over an unbounded sequence of events.
type Cursor interface {
	// Next blocks until the next event is available or ctx is done.
	Next(ctx context.Context) (*ChangeEvent, error)

	// Close releases the resources held on the source.
	Close(ctx context.Context) error
}
