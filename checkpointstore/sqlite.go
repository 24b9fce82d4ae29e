package checkpointstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/toga4/changewatch"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements CheckpointStore that stores the position as a row in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	name string
}

// NewSQLite opens the SQLite database at path and creates the checkpoint table if needed.
// The store owns the row keyed by name.
func NewSQLite(path string, name string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint sqlite path is empty")
	}

	// DSN pragmas apply to every pooled connection; saves must be synced before the next event is read.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite checkpoint: %w", err)
	}

	s := &SQLiteStore{db: db, name: name}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Assert that SQLiteStore implements CheckpointStore.
var (
	_ changewatch.CheckpointStore = (*SQLiteStore)(nil)
	_ changewatch.Resetter        = (*SQLiteStore)(nil)
)

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS checkpoints (
	name TEXT PRIMARY KEY,
	position TEXT NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("create checkpoint schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (changewatch.Position, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT position FROM checkpoints WHERE name = ?`, s.name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", changewatch.ErrStorageUnavailable, s.name, err)
	}

	position, err := changewatch.ParsePosition([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt checkpoint %s: %w", changewatch.ErrStorageUnavailable, s.name, err)
	}
	return position, nil
}

func (s *SQLiteStore) Save(ctx context.Context, position changewatch.Position) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints(name, position, updated_at_unix_ms) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET position = excluded.position, updated_at_unix_ms = excluded.updated_at_unix_ms`,
		s.name, string(position), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: write %s: %w", changewatch.ErrStorageUnavailable, s.name, err)
	}
	return nil
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE name = ?`, s.name); err != nil {
		return fmt.Errorf("%w: delete %s: %w", changewatch.ErrStorageUnavailable, s.name, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
