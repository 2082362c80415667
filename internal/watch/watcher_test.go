package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherFiresOnSettledNPY(t *testing.T) {
	dir := t.TempDir()
	got := make(chan string, 4)

	w, err := New(dir, 50*time.Millisecond, func(path string) { got <- path })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	target := filepath.Join(dir, "scan_0001.npy")
	if err := os.WriteFile(target, []byte("payload"), 0644); err != nil {
		t.Fatalf("write spool file: %v", err)
	}
	// A non-matching extension must be ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write text file: %v", err)
	}

	select {
	case path := <-got:
		if path != target {
			t.Fatalf("handler got %s, want %s", path, target)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not fire")
	}

	select {
	case path := <-got:
		t.Fatalf("unexpected second event for %s", path)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherRejectsBadArgs(t *testing.T) {
	if _, err := New(t.TempDir(), 0, func(string) {}); err == nil {
		t.Error("zero settle window should be rejected")
	}
	if _, err := New(t.TempDir(), time.Second, nil); err == nil {
		t.Error("nil handler should be rejected")
	}
}

func TestWatcherRunStopsOnCancel(t *testing.T) {
	w, err := New(t.TempDir(), 50*time.Millisecond, func(string) {})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
