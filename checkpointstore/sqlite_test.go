package checkpointstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/toga4/changewatch"
)

func setupSQLiteStore(t *testing.T, path, name string) *SQLiteStore {
	t.Helper()

	store, err := NewSQLite(path, name)
	if err != nil {
		t.Fatalf("NewSQLite(%q): %v", path, err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestSQLiteStore_LoadSave(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	store := setupSQLiteStore(t, path, "transactions")

	if got, err := store.Load(ctx); err != nil || got != nil {
		t.Fatalf("Load() on new database = (%s, %v), want (nil, nil)", got, err)
	}

	want := changewatch.Position(`{"_data":"8265A1"}`)
	if err := store.Save(ctx, want); err != nil {
		t.Fatal(err)
	}
	want = changewatch.Position(`{"_data":"8265A2"}`)
	if err := store.Save(ctx, want); err != nil {
		t.Fatal(err)
	}

	// A reopened database sees the last saved position.
	reopened := setupSQLiteStore(t, path, "transactions")
	got, err := reopened.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(want) {
		t.Errorf("Load() = %s, want %s", got, want)
	}

	other := setupSQLiteStore(t, path, "other")
	if got, err := other.Load(ctx); err != nil || got != nil {
		t.Errorf("other.Load() = (%s, %v), want (nil, nil)", got, err)
	}

	if err := reopened.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if got, err := store.Load(ctx); err != nil || got != nil {
		t.Errorf("Load() after Reset() = (%s, %v), want (nil, nil)", got, err)
	}
}

func TestSQLiteStore_LoadCorrupt(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t, filepath.Join(t.TempDir(), "checkpoint.db"), "transactions")

	if _, err := store.db.Exec(`INSERT INTO checkpoints(name, position, updated_at_unix_ms) VALUES ('transactions', 'garbage', 0)`); err != nil {
		t.Fatal(err)
	}

	_, err := store.Load(ctx)
	if !errors.Is(err, changewatch.ErrStorageUnavailable) {
		t.Errorf("Load() error = %v, want %v", err, changewatch.ErrStorageUnavailable)
	}
}

func TestSQLiteStore_EveryConnectionIsDurable(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t, filepath.Join(t.TempDir(), "checkpoint.db"), "transactions")

	// Hold two connections at once so that the pool has to open a second one.
	conns := []*sql.Conn{}
	for i := 0; i < 2; i++ {
		conn, err := store.db.Conn(ctx)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		conns = append(conns, conn)
	}

	for i, conn := range conns {
		var journalMode string
		if err := conn.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&journalMode); err != nil {
			t.Fatal(err)
		}
		if journalMode != "wal" {
			t.Errorf("connection #%d journal_mode = %q, want %q", i, journalMode, "wal")
		}

		var synchronous int
		if err := conn.QueryRowContext(ctx, `PRAGMA synchronous`).Scan(&synchronous); err != nil {
			t.Fatal(err)
		}
		if synchronous != 2 { // FULL
			t.Errorf("connection #%d synchronous = %d, want 2", i, synchronous)
		}
	}
}

func TestNewSQLite_EmptyPath(t *testing.T) {
	if _, err := NewSQLite("", "transactions"); err == nil {
		t.Error("NewSQLite(\"\") error = nil, want error")
	}
}
