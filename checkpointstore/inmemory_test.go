package checkpointstore

import (
	"context"
	"testing"

	"github.com/toga4/changewatch"
)

func TestInmemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewInmemory()

	if got, err := store.Load(ctx); err != nil || got != nil {
		t.Fatalf("Load() = (%s, %v), want (nil, nil)", got, err)
	}

	want := changewatch.Position(`{"seq":1}`)
	if err := store.Save(ctx, want); err != nil {
		t.Fatal(err)
	}

	// The store keeps its own copy.
	want[2] = 'x'
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(changewatch.Position(`{"seq":1}`)) {
		t.Errorf("Load() = %s, want %s", got, `{"seq":1}`)
	}

	if err := store.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if got, err := store.Load(ctx); err != nil || got != nil {
		t.Errorf("Load() after Reset() = (%s, %v), want (nil, nil)", got, err)
	}
}
