package checkpointstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/toga4/changewatch"
)

// InmemoryStore implements CheckpointStore that keeps the position in memory.
type InmemoryStore struct {
	mu       sync.Mutex
	position changewatch.Position
}

// NewInmemory creates new instance of InmemoryStore
func NewInmemory() *InmemoryStore {
	return &InmemoryStore{}
}

// Assert that InmemoryStore implements CheckpointStore.
var (
	_ changewatch.CheckpointStore = (*InmemoryStore)(nil)
	_ changewatch.Resetter        = (*InmemoryStore)(nil)
)

func (s *InmemoryStore) Load(ctx context.Context) (changewatch.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.position == nil {
		return nil, nil
	}
	return bytes.Clone(s.position), nil
}

func (s *InmemoryStore) Save(ctx context.Context, position changewatch.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.position = bytes.Clone(position)
	return nil
}

func (s *InmemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.position = nil
	return nil
}
