package workspace

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"loom/internal/logging"
)

// Watcher observes an outcome's skills/ and tools/ directories and invokes
// the callback once changes settle. The engine uses it to refresh the
// capability set without rescanning on every claim.
type Watcher struct {
	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	onChange func()
	debounce time.Duration
	pending  map[string]time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewWatcher creates a watcher over the workspace's capability directories.
func NewWatcher(workspaceDir string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:      fsw,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, sub := range []string{SkillsDir, ToolsDir} {
		dir := filepath.Join(workspaceDir, sub)
		if err := fsw.Add(dir); err != nil {
			logging.Get(logging.CategoryCapability).Warn("watch %s failed: %v", dir, err)
		}
	}
	return w, nil
}

// Start runs the event loop in a goroutine. Idempotent.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()
	go w.run(ctx)
}

// Stop halts the loop and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.fsw.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	log := logging.Get(logging.CategoryCapability)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}
			w.mu.Lock()
			w.pending[ev.Name] = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error("watcher error: %v", err)
		case <-tick.C:
			if w.flushSettled() {
				w.onChange()
			}
		}
	}
}

// flushSettled drops events older than the debounce window and reports
// whether anything settled.
func (w *Watcher) flushSettled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	settled := false
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			delete(w.pending, path)
			settled = true
		}
	}
	return settled
}
