package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/spanner"
	"github.com/toga4/changewatch"
	"github.com/toga4/changewatch/changesource"
	"github.com/toga4/changewatch/checkpointstore"
	"github.com/toga4/changewatch/processor"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	exitOK = iota
	exitUsage
	_
	exitStorageUnavailable
	exitSourceUnavailable
	exitPositionExpired
	exitProcessing
	exitIncompleteEvent
	exitFailure
)

var errUsage = errors.New("invalid usage")

const usage = `Usage: %[1]s COMMAND [OPTIONS...]

Commands:
  run                           Watch the collection and process every change
  checkpoint show               Print the stored position
  checkpoint reset              Delete the stored position; the next run starts from the current end of the log

Options:
  -c, --config                  Path of the YAML configuration file          (default: built-in defaults)
  --uri                         MongoDB connection string                    (overrides source.uri)
  --database                    Database of the watched collection           (overrides source.database)
  --collection                  Watched collection                           (overrides source.collection)
  --checkpoint                  Checkpoint file path                         (overrides checkpoint.path)
  --state-policy                required|when_available                      (overrides source.state_policy)
  --max-events                  Stop after N events, 0 means unlimited       (overrides max_events)
  --log-level                   debug|info|warn|error                        (overrides log.level)
  -h, --help                    Print this message

`

type flags struct {
	configPath     string
	uri            string
	database       string
	collection     string
	checkpointPath string
	statePolicy    string
	logLevel       string
	maxEvents      int
}

func parseFlags(cmd string, args []string, stderr io.Writer) (*flags, error) {
	var flags flags

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, usage, cmd)
	}

	fs.StringVar(&flags.configPath, "c", "", "")
	fs.StringVar(&flags.configPath, "config", "", "")
	fs.StringVar(&flags.uri, "uri", "", "")
	fs.StringVar(&flags.database, "database", "", "")
	fs.StringVar(&flags.collection, "collection", "", "")
	fs.StringVar(&flags.checkpointPath, "checkpoint", "", "")
	fs.StringVar(&flags.statePolicy, "state-policy", "", "")
	fs.StringVar(&flags.logLevel, "log-level", "", "")
	fs.IntVar(&flags.maxEvents, "max-events", -1, "")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return nil, fmt.Errorf("%w: unexpected arguments %v", errUsage, fs.Args())
	}
	return &flags, nil
}

// config loads the configuration file, applies the flag overrides and validates the result.
func (f *flags) config() (*Config, error) {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}

	if f.uri != "" {
		cfg.Source.URI = f.uri
	}
	if f.database != "" {
		cfg.Source.Database = f.database
	}
	if f.collection != "" {
		cfg.Source.Collection = f.collection
	}
	if f.checkpointPath != "" {
		cfg.Checkpoint.Path = f.checkpointPath
	}
	if f.statePolicy != "" {
		cfg.Source.StatePolicy = f.statePolicy
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.maxEvents >= 0 {
		cfg.MaxEvents = f.maxEvents
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[0], os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cmd string, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintf(stderr, usage, cmd)
		return exitUsage
	}

	var err error
	switch args[0] {
	case "run":
		err = runCommand(ctx, cmd+" run", args[1:], stdout, stderr, watch)
	case "checkpoint":
		if len(args) < 2 {
			fmt.Fprintf(stderr, usage, cmd)
			return exitUsage
		}
		switch args[1] {
		case "show":
			err = runCommand(ctx, cmd+" checkpoint show", args[2:], stdout, stderr, showCheckpoint)
		case "reset":
			err = runCommand(ctx, cmd+" checkpoint reset", args[2:], stdout, stderr, resetCheckpoint)
		default:
			fmt.Fprintf(stderr, usage, cmd)
			return exitUsage
		}
	case "-h", "--help", "help":
		fmt.Fprintf(stdout, usage, cmd)
		return exitOK
	default:
		fmt.Fprintf(stderr, usage, cmd)
		return exitUsage
	}

	if err != nil {
		fmt.Fprintln(stderr, err)
	}
	return exitCode(err)
}

type command func(ctx context.Context, cfg *Config, stdout, stderr io.Writer) error

func runCommand(ctx context.Context, name string, args []string, stdout, stderr io.Writer, c command) error {
	flags, err := parseFlags(name, args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := flags.config()
	if err != nil {
		return err
	}
	return c(ctx, cfg, stdout, stderr)
}

// exitCode maps the outcome of a command to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, changewatch.ErrProcessing):
		return exitProcessing
	case errors.Is(err, changewatch.ErrIncompleteEvent):
		return exitIncompleteEvent
	case errors.Is(err, changewatch.ErrPositionExpired):
		return exitPositionExpired
	case errors.Is(err, changewatch.ErrStorageUnavailable):
		return exitStorageUnavailable
	case errors.Is(err, changewatch.ErrSourceUnavailable):
		return exitSourceUnavailable
	}
	return exitFailure
}

func newLogger(cfg *Config, out io.Writer) *slog.Logger {
	level, _ := cfg.logLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

func watch(ctx context.Context, cfg *Config, stdout, stderr io.Writer) error {
	logger := newLogger(cfg, stderr)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Source.URI))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: connect %s: %w", changewatch.ErrSourceUnavailable, cfg.Source.URI, err)
	}
	defer func() {
		if err := client.Disconnect(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to disconnect from mongodb", "error", err)
		}
	}()

	store, closeStore, err := openCheckpointStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	policy, _ := cfg.statePolicy()
	maxAwait, _ := cfg.maxAwait()
	sourceOptions := []changesource.MongoOption{changesource.WithStatePolicy(policy)}
	if cfg.Source.BatchSize > 0 {
		sourceOptions = append(sourceOptions, changesource.WithBatchSize(cfg.Source.BatchSize))
	}
	if maxAwait > 0 {
		sourceOptions = append(sourceOptions, changesource.WithMaxAwaitTime(maxAwait))
	}
	source := changesource.NewMongo(client.Database(cfg.Source.Database).Collection(cfg.Source.Collection), sourceOptions...)

	var p changewatch.Processor
	switch cfg.Processor.Type {
	case processorMongo:
		writer := processor.NewMongoWriter(client.Database(cfg.processorDatabase()).Collection(cfg.Processor.Collection))
		if writer.Namespace() == source.Namespace() {
			return fmt.Errorf("%w: %s", changewatch.ErrFeedbackLoop, source.Namespace())
		}
		p = writer
	default:
		p = processor.NewJSONWriter(stdout)
	}

	watcher := changewatch.NewWatcher(
		store,
		source,
		p,
		changewatch.WithStatePolicy(policy),
		changewatch.WithMaxEvents(cfg.MaxEvents),
		changewatch.WithLogger(logger.With("namespace", source.Namespace().String())),
	)
	return watcher.Run(ctx)
}

func showCheckpoint(ctx context.Context, cfg *Config, stdout, _ io.Writer) error {
	store, closeStore, err := openCheckpointStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	position, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if position == nil {
		fmt.Fprintln(stdout, "no checkpoint")
		return nil
	}
	fmt.Fprintln(stdout, position)
	return nil
}

func resetCheckpoint(ctx context.Context, cfg *Config, stdout, _ io.Writer) error {
	store, closeStore, err := openCheckpointStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	resetter, ok := store.(changewatch.Resetter)
	if !ok {
		return fmt.Errorf("checkpoint store %q does not support reset", cfg.Checkpoint.Type)
	}
	if err := resetter.Reset(ctx); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "checkpoint reset")
	return nil
}

// openCheckpointStore builds the configured store. The returned func releases its resources.
func openCheckpointStore(ctx context.Context, cfg *Config) (changewatch.CheckpointStore, func(), error) {
	switch cfg.Checkpoint.Type {
	case checkpointSQLite:
		store, err := checkpointstore.NewSQLite(cfg.Checkpoint.Path, cfg.checkpointName())
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", changewatch.ErrStorageUnavailable, err)
		}
		return store, func() { _ = store.Close() }, nil

	case checkpointSpanner:
		client, err := spanner.NewClient(ctx, cfg.Checkpoint.SpannerDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", changewatch.ErrStorageUnavailable, err)
		}
		priority, _ := cfg.priority()
		store := checkpointstore.NewSpanner(client, cfg.Checkpoint.SpannerTable, cfg.checkpointName(), checkpointstore.WithRequestPriority(priority))
		if err := store.CreateTableIfNotExists(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("%w: create checkpoint table: %w", changewatch.ErrStorageUnavailable, err)
		}
		return store, client.Close, nil

	default:
		return checkpointstore.NewFile(cfg.Checkpoint.Path), func() {}, nil
	}
}
