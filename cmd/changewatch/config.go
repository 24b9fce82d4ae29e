package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/toga4/changewatch"
	"gopkg.in/yaml.v3"
)

// Config is the structure of the configuration file.
type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Log        LogConfig        `yaml:"log"`

	// MaxEvents stops the watcher after that many events. 0 means unlimited.
	MaxEvents int `yaml:"max_events"`
}

// SourceConfig defines the watched collection.
type SourceConfig struct {
	URI         string `yaml:"uri"`
	Database    string `yaml:"database"`
	Collection  string `yaml:"collection"`
	StatePolicy string `yaml:"state_policy"` // required|when_available
	BatchSize   int32  `yaml:"batch_size"`
	MaxAwait    string `yaml:"max_await"` // e.g. "2s"
}

// CheckpointConfig defines where the last processed position is kept.
type CheckpointConfig struct {
	Type string `yaml:"type"` // file|sqlite|spanner

	// Path is the file for the file and sqlite stores.
	Path string `yaml:"path"`

	// Name identifies the checkpoint row in the sqlite and spanner stores.
	// Defaults to "<database>.<collection>" of the source.
	Name string `yaml:"name"`

	SpannerDatabase string `yaml:"spanner_database"` // projects/P/instances/I/databases/D
	SpannerTable    string `yaml:"spanner_table"`
	Priority        string `yaml:"priority"` // high|medium|low
}

// ProcessorConfig defines what is done with every event.
type ProcessorConfig struct {
	Type       string `yaml:"type"` // json|mongo
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

const (
	checkpointFile    = "file"
	checkpointSQLite  = "sqlite"
	checkpointSpanner = "spanner"

	processorJSON  = "json"
	processorMongo = "mongo"

	priorityHigh   = "high"
	priorityMedium = "medium"
	priorityLow    = "low"
)

func defaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			URI:         "mongodb://localhost:27017/?replicaSet=rs0",
			Database:    "accountingdb",
			Collection:  "transactions",
			StatePolicy: changewatch.StateRequired.String(),
		},
		Checkpoint: CheckpointConfig{
			Type: checkpointFile,
			Path: "resume_token.json",
		},
		Processor: ProcessorConfig{
			Type: processorJSON,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// loadConfig reads the file at path over the defaults. An empty path returns the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	if c.Source.URI == "" {
		errs = append(errs, errors.New("source.uri is required"))
	}
	if c.Source.Database == "" || c.Source.Collection == "" {
		errs = append(errs, errors.New("source.database and source.collection are required"))
	}
	if _, err := c.statePolicy(); err != nil {
		errs = append(errs, err)
	}
	if c.Source.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("source.batch_size must not be negative: %d", c.Source.BatchSize))
	}
	if _, err := c.maxAwait(); err != nil {
		errs = append(errs, err)
	}

	switch c.Checkpoint.Type {
	case checkpointFile, checkpointSQLite:
		if c.Checkpoint.Path == "" {
			errs = append(errs, fmt.Errorf("checkpoint.path is required for %s", c.Checkpoint.Type))
		}
	case checkpointSpanner:
		if c.Checkpoint.SpannerDatabase == "" || c.Checkpoint.SpannerTable == "" {
			errs = append(errs, errors.New("checkpoint.spanner_database and checkpoint.spanner_table are required for spanner"))
		}
		if _, err := c.priority(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("invalid checkpoint.type: %q", c.Checkpoint.Type))
	}

	switch c.Processor.Type {
	case processorJSON:
	case processorMongo:
		if c.Processor.Collection == "" {
			errs = append(errs, errors.New("processor.collection is required for mongo"))
		}
		if c.processorDatabase() == c.Source.Database && c.Processor.Collection == c.Source.Collection {
			errs = append(errs, fmt.Errorf("processor target %s.%s is the watched collection", c.processorDatabase(), c.Processor.Collection))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid processor.type: %q", c.Processor.Type))
	}

	if _, err := c.logLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log.format: %q", c.Log.Format))
	}
	if c.MaxEvents < 0 {
		errs = append(errs, fmt.Errorf("max_events must not be negative: %d", c.MaxEvents))
	}

	return errors.Join(errs...)
}

func (c *Config) statePolicy() (changewatch.StatePolicy, error) {
	switch c.Source.StatePolicy {
	case "", changewatch.StateRequired.String():
		return changewatch.StateRequired, nil
	case changewatch.StateWhenAvailable.String():
		return changewatch.StateWhenAvailable, nil
	}
	return 0, fmt.Errorf("invalid source.state_policy: %q", c.Source.StatePolicy)
}

func (c *Config) maxAwait() (time.Duration, error) {
	if c.Source.MaxAwait == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Source.MaxAwait)
	if err != nil {
		return 0, fmt.Errorf("invalid source.max_await: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("source.max_await must not be negative: %s", d)
	}
	return d, nil
}

func (c *Config) priority() (spannerpb.RequestOptions_Priority, error) {
	switch c.Checkpoint.Priority {
	case "":
		return spannerpb.RequestOptions_PRIORITY_UNSPECIFIED, nil
	case priorityHigh:
		return spannerpb.RequestOptions_PRIORITY_HIGH, nil
	case priorityMedium:
		return spannerpb.RequestOptions_PRIORITY_MEDIUM, nil
	case priorityLow:
		return spannerpb.RequestOptions_PRIORITY_LOW, nil
	}
	return 0, fmt.Errorf("invalid checkpoint.priority: %q", c.Checkpoint.Priority)
}

func (c *Config) logLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	return level, nil
}

func (c *Config) checkpointName() string {
	if c.Checkpoint.Name != "" {
		return c.Checkpoint.Name
	}
	return c.Source.Database + "." + c.Source.Collection
}

func (c *Config) processorDatabase() string {
	if c.Processor.Database != "" {
		return c.Processor.Database
	}
	return c.Source.Database
}
