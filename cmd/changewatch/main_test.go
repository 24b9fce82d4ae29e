package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/toga4/changewatch"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{fmt.Errorf("%w: bad flag", errUsage), exitUsage},
		{fmt.Errorf("load checkpoint: %w", changewatch.ErrStorageUnavailable), exitStorageUnavailable},
		{fmt.Errorf("open source: %w", changewatch.ErrSourceUnavailable), exitSourceUnavailable},
		{fmt.Errorf("open source: %w", changewatch.ErrPositionExpired), exitPositionExpired},
		{fmt.Errorf("%w: at position {}: %w", changewatch.ErrProcessing, changewatch.ErrFeedbackLoop), exitProcessing},
		{fmt.Errorf("%w: at position {}: %w", changewatch.ErrProcessing, changewatch.ErrStorageUnavailable), exitProcessing},
		{changewatch.ErrIncompleteEvent, exitIncompleteEvent},
		{errors.New("unexpected"), exitFailure},
	}
	for _, test := range tests {
		if got := exitCode(test.err); got != test.want {
			t.Errorf("exitCode(%v) = %d, want %d", test.err, got, test.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer
	f, err := parseFlags("changewatch run", []string{"-c", "watch.yaml", "--collection", "ledger", "--max-events", "3"}, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	if f.configPath != "watch.yaml" || f.collection != "ledger" || f.maxEvents != 3 {
		t.Errorf("parseFlags() = %+v", f)
	}

	if _, err := parseFlags("changewatch run", []string{"--unknown"}, &stderr); !errors.Is(err, errUsage) {
		t.Errorf("parseFlags(--unknown) error = %v, want %v", err, errUsage)
	}
	if _, err := parseFlags("changewatch run", []string{"extra"}, &stderr); !errors.Is(err, errUsage) {
		t.Errorf("parseFlags(extra) error = %v, want %v", err, errUsage)
	}
}

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", nil, exitUsage},
		{"unknown command", []string{"watch"}, exitUsage},
		{"checkpoint without action", []string{"checkpoint"}, exitUsage},
		{"unknown checkpoint action", []string{"checkpoint", "move"}, exitUsage},
		{"help", []string{"--help"}, exitOK},
		{"subcommand help", []string{"run", "-h"}, exitOK},
		{"invalid state policy", []string{"run", "--state-policy", "sometimes"}, exitUsage},
		{"missing config file", []string{"run", "-c", filepath.Join(t.TempDir(), "missing.yaml")}, exitUsage},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if got := run(context.Background(), "changewatch", test.args, &stdout, &stderr); got != test.want {
				t.Errorf("run(%v) = %d, want %d; stderr: %s", test.args, got, test.want, stderr.String())
			}
		})
	}
}

func TestRun_Checkpoint(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "resume_token.json")

	runCheckpoint := func(action string) (int, string) {
		var stdout, stderr bytes.Buffer
		code := run(ctx, "changewatch", []string{"checkpoint", action, "--checkpoint", path}, &stdout, &stderr)
		return code, stdout.String()
	}

	if code, out := runCheckpoint("show"); code != exitOK || out != "no checkpoint\n" {
		t.Errorf("show without checkpoint = (%d, %q)", code, out)
	}

	position := `{"_data":"826553A1F2000000012B022C0100296E5A1004"}`
	if err := os.WriteFile(path, []byte(position), 0o644); err != nil {
		t.Fatal(err)
	}
	if code, out := runCheckpoint("show"); code != exitOK || out != position+"\n" {
		t.Errorf("show = (%d, %q), want (%d, %q)", code, out, exitOK, position+"\n")
	}

	if code, _ := runCheckpoint("reset"); code != exitOK {
		t.Errorf("reset = %d, want %d", code, exitOK)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("checkpoint file still exists after reset: %v", err)
	}

	if err := os.WriteFile(path, []byte("{corrupt"), 0o644); err != nil {
		t.Fatal(err)
	}
	if code, _ := runCheckpoint("show"); code != exitStorageUnavailable {
		t.Errorf("show corrupt = %d, want %d", code, exitStorageUnavailable)
	}
}

func TestRun_CheckpointSQLite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "changewatch.yaml")
	config := fmt.Sprintf("checkpoint:\n  type: sqlite\n  path: %s\n", filepath.Join(dir, "checkpoints.db"))
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := run(ctx, "changewatch", []string{"checkpoint", "show", "-c", configPath}, &stdout, &stderr); code != exitOK {
		t.Fatalf("show = %d, want %d; stderr: %s", code, exitOK, stderr.String())
	}
	if got := stdout.String(); got != "no checkpoint\n" {
		t.Errorf("show output = %q, want %q", got, "no checkpoint\n")
	}

	stdout.Reset()
	if code := run(ctx, "changewatch", []string{"checkpoint", "reset", "-c", configPath}, &stdout, &stderr); code != exitOK {
		t.Fatalf("reset = %d, want %d; stderr: %s", code, exitOK, stderr.String())
	}
}

func TestRun_ShutdownWhileConnecting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	args := []string{
		"run",
		"--uri", "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=200",
		"--checkpoint", filepath.Join(t.TempDir(), "resume_token.json"),
	}
	var stdout, stderr bytes.Buffer
	if code := run(ctx, "changewatch", args, &stdout, &stderr); code != exitOK {
		t.Errorf("run() = %d, want %d; stderr: %s", code, exitOK, stderr.String())
	}
}
