package checkpointstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/toga4/changewatch"
)

// FileStore implements CheckpointStore that stores the position as a JSON document in a file.
//
// The file contains exactly the saved position. A missing file means no position has been saved.
type FileStore struct {
	path string
}

// NewFile creates new instance of FileStore
func NewFile(path string) *FileStore {
	return &FileStore{path: path}
}

// Assert that FileStore implements CheckpointStore.
var (
	_ changewatch.CheckpointStore = (*FileStore)(nil)
	_ changewatch.Resetter        = (*FileStore)(nil)
)

// Path returns the path of the checkpoint file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(ctx context.Context) (changewatch.Position, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", changewatch.ErrStorageUnavailable, s.path, err)
	}

	position, err := changewatch.ParsePosition(b)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt checkpoint %s: %w", changewatch.ErrStorageUnavailable, s.path, err)
	}
	return position, nil
}

// Save writes the position to a temporary file in the same directory, syncs it and renames it over the checkpoint.
func (s *FileStore) Save(ctx context.Context, position changewatch.Position) error {
	if err := s.writeAtomic(position); err != nil {
		return fmt.Errorf("%w: write %s: %w", changewatch.ErrStorageUnavailable, s.path, err)
	}
	return nil
}

func (s *FileStore) writeAtomic(b []byte) (err error) {
	dir := filepath.Dir(s.path)

	f, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	return syncDir(dir)
}

// syncDir flushes the directory entry so that the rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

// Reset removes the checkpoint file.
func (s *FileStore) Reset(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", changewatch.ErrStorageUnavailable, s.path, err)
	}
	if err := syncDir(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("%w: sync %s: %w", changewatch.ErrStorageUnavailable, filepath.Dir(s.path), err)
	}
	return nil
}
