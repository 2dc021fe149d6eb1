package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestRunVersion(t *testing.T) {
	if err := run(context.Background(), []string{"--version"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunHelp(t *testing.T) {
	if err := run(context.Background(), []string{"--help"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunInvalidFlag(t *testing.T) {
	if err := run(context.Background(), []string{"--nonexistent-flag"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestRunCheckWritesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := run(context.Background(), []string{"--config", path, "--check", "--port", "9999"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := run(ctx, []string{"--config", path, "--bind", "127.0.0.1", "--port", "0", "--metrics-port", "0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
