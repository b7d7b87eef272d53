package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stagehand-dev/stagehand/internal/logging"
)

func TestWatcher_EmitsOnConfigWrite(t *testing.T) {
	dir := t.TempDir()

	w := NewWatcher(dir, logging.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Errorf("event path = %q, want config.yaml", ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()

	w := NewWatcher(dir, logging.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Errorf("unexpected event for unrelated file: %+v", ev)
	case <-time.After(200 * time.Millisecond):
		// No event is the expected outcome.
	}
}

func TestWatcher_ChannelClosesOnCancel(t *testing.T) {
	dir := t.TempDir()

	w := NewWatcher(dir, logging.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			t.Error("expected channel close, got event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
