// Package watch triggers pipeline runs when new scan files land in a
// spool directory.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/beamline-data/bragg.report/internal/monitoring"
)

// Watcher fires the handler once per new spool file, after writes have
// settled. Acquisition software writes scans incrementally, so a file is
// only handed off once no event has been seen for the settle window.
type Watcher struct {
	dir     string
	settle  time.Duration
	handler func(path string)

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// New creates a watcher for .npy drops under dir. The handler runs on a
// timer goroutine and must not block for long.
func New(dir string, settle time.Duration, handler func(path string)) (*Watcher, error) {
	if settle <= 0 {
		return nil, fmt.Errorf("settle window must be positive, got %v", settle)
	}
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		dir:     dir,
		settle:  settle,
		handler: handler,
		fsw:     fsw,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Run watches until the context is cancelled. It returns the context
// error on cancellation, or the watcher error if the event stream dies.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	monitoring.Logf("watching spool directory %s", w.dir)

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watcher event stream closed")
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher error stream closed")
			}
			monitoring.Logf("watch error: %v", err)
		}
	}
}

// Close releases the underlying file system watcher.
func (w *Watcher) Close() error {
	w.stopTimers()
	return w.fsw.Close()
}

// schedule arms (or re-arms) the settle timer for a spool file.
func (w *Watcher) schedule(path string) {
	if strings.ToLower(filepath.Ext(path)) != ".npy" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		monitoring.Logf("spool file settled: %s", path)
		w.handler(path)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}
