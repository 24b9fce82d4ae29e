package changewatch

import "context"

// CheckpointStore persists the position of the last processed event.
type CheckpointStore interface {
	// Load returns the stored position, or nil if nothing has been saved yet.
	// Stored content that cannot be read or parsed must fail with ErrStorageUnavailable.
	Load(ctx context.Context) (Position, error)

	// Save atomically replaces the stored position.
	// On failure the previously stored position must remain readable.
	Save(ctx context.Context, position Position) error
}

// Resetter is implemented by stores that can discard their position.
type Resetter interface {
	Reset(ctx context.Context) error
}
