package checkpointstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/toga4/changewatch"
)

func TestFileStore_LoadMissing(t *testing.T) {
	store := NewFile(filepath.Join(t.TempDir(), "resume_token.json"))

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if got != nil {
		t.Errorf("Load() = %s, want nil", got)
	}
}

func TestFileStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFile(filepath.Join(dir, "resume_token.json"))

	positions := []changewatch.Position{
		changewatch.Position(`{"_data":"82650A"}`),
		changewatch.Position(`{"_data":"82650B"}`),
		changewatch.Position(`{"_data":"82650C"}`),
	}
	for _, want := range positions {
		if err := store.Save(ctx, want); err != nil {
			t.Fatalf("Save(%s): %v", want, err)
		}

		b, err := os.ReadFile(store.Path())
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(string(want), string(b)); diff != "" {
			t.Errorf("file content mismatch (-want +got):\n%s", diff)
		}

		got, err := store.Load(ctx)
		if err != nil {
			t.Fatalf("Load(): %v", err)
		}
		if !got.Equal(want) {
			t.Errorf("Load() = %s, want %s", got, want)
		}
	}

	// No temporary files are left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := []string{}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory entries = %v, want only the checkpoint", names)
	}
}

func TestFileStore_LoadCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty", content: ""},
		{name: "truncated", content: `{"_data":"8265`},
		{name: "not an object", content: `"8265A1"`},
		{name: "garbage", content: "\x00\x01\x02"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "resume_token.json")
			if err := os.WriteFile(path, []byte(test.content), 0o644); err != nil {
				t.Fatal(err)
			}

			_, err := NewFile(path).Load(context.Background())
			if !errors.Is(err, changewatch.ErrStorageUnavailable) {
				t.Errorf("Load() error = %v, want %v", err, changewatch.ErrStorageUnavailable)
			}
		})
	}
}

func TestFileStore_SaveFailureKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFile(filepath.Join(dir, "resume_token.json"))

	previous := changewatch.Position(`{"_data":"01"}`)
	if err := store.Save(ctx, previous); err != nil {
		t.Fatal(err)
	}

	// A store pointing into a missing directory cannot write its temporary file.
	broken := NewFile(filepath.Join(dir, "missing", "resume_token.json"))
	err := broken.Save(ctx, changewatch.Position(`{"_data":"02"}`))
	if !errors.Is(err, changewatch.ErrStorageUnavailable) {
		t.Errorf("Save() error = %v, want %v", err, changewatch.ErrStorageUnavailable)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(previous) {
		t.Errorf("Load() = %s, want %s", got, previous)
	}
}

func TestFileStore_Reset(t *testing.T) {
	ctx := context.Background()
	store := NewFile(filepath.Join(t.TempDir(), "resume_token.json"))

	// Resetting a missing checkpoint is not an error.
	if err := store.Reset(ctx); err != nil {
		t.Fatalf("Reset() on missing file: %v", err)
	}

	if err := store.Save(ctx, changewatch.Position(`{"seq":3}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.Reset(ctx); err != nil {
		t.Fatalf("Reset(): %v", err)
	}
	if got, err := store.Load(ctx); err != nil || got != nil {
		t.Errorf("Load() after Reset() = (%s, %v), want (nil, nil)", got, err)
	}
}
