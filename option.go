package changewatch

import (
	"log/slog"
)

// config holds the configuration for the Watcher.
type config struct {
	statePolicy StatePolicy
	maxEvents   int
	logger      *slog.Logger
}

// Option is an interface for configuring the Watcher.
type Option interface {
	Apply(*config)
}

type withStatePolicy StatePolicy

func (o withStatePolicy) Apply(c *config) {
	c.statePolicy = StatePolicy(o)
}

// WithStatePolicy sets how events without a before or after state are handled.
//
// Default value is StateRequired.
func WithStatePolicy(policy StatePolicy) Option {
	return withStatePolicy(policy)
}

type withMaxEvents int

func (o withMaxEvents) Apply(c *config) {
	c.maxEvents = int(o)
}

// WithMaxEvents stops the watcher gracefully after n events have been processed and checkpointed.
//
// Default value is 0, which means unlimited.
func WithMaxEvents(n int) Option {
	return withMaxEvents(n)
}

type withLogger struct {
	logger *slog.Logger
}

func (o withLogger) Apply(c *config) {
	c.logger = o.logger
}

// WithLogger sets the logger for state transitions and per-event diagnostics.
//
// If not set, nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return withLogger{logger: logger}
}

func newConfig(options ...Option) *config {
	c := &config{
		statePolicy: StateRequired,
	}
	for _, o := range options {
		o.Apply(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}
