package changewatch

import "context"

// Processor is the interface to handle a ChangeEvent.
//
// Process is called from a single goroutine, one event at a time.
// The same event can be delivered again after a restart, so implementations must tolerate redelivery.
//
// Return values:
//   - nil: Processing succeeded. The watcher saves the event's position.
//   - error: Processing failed. The watcher stops without saving the position.
type Processor interface {
	Process(ctx context.Context, event *ChangeEvent) error
}

// ProcessorFunc is an adapter to allow the use of ordinary functions as Processor.
type ProcessorFunc func(context.Context, *ChangeEvent) error

// Process calls f(ctx, event).
func (f ProcessorFunc) Process(ctx context.Context, event *ChangeEvent) error {
	return f(ctx, event)
}
