package changewatch

import "errors"

var (
	// ErrStorageUnavailable is returned when the checkpoint cannot be read or written.
	// A checkpoint that exists but cannot be parsed is reported with this error too.
	ErrStorageUnavailable = errors.New("checkpoint storage unavailable")

	// ErrSourceUnavailable is returned when the change log cannot be reached or the stream ends unexpectedly.
	ErrSourceUnavailable = errors.New("change source unavailable")

	// ErrPositionExpired is returned when the resume position is no longer retained by the source.
	ErrPositionExpired = errors.New("resume position expired")

	// ErrProcessing is returned when the Processor fails for an event.
	ErrProcessing = errors.New("event processing failed")

	// ErrIncompleteEvent is returned when an event lacks a state required by the StatePolicy.
	ErrIncompleteEvent = errors.New("incomplete change event")

	// ErrFeedbackLoop is returned when a side effect would be written into the watched collection.
	ErrFeedbackLoop = errors.New("side effect targets the watched collection")

	// errAlreadyRunning is returned when Run is called on a watcher that has already been started.
	errAlreadyRunning = errors.New("watcher has already been started")
)
