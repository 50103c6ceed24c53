package tools

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vinayprograms/agentkit/logging"
)

// Watcher reloads manifest sources when their files change. It watches the
// parent directories so editors that replace files on save are handled.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	registry *Registry
	files    map[string]bool
	pending  map[string]time.Time
	debounce time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	logger   *logging.Logger

	// OnReload, if set, is called after each reload attempt.
	OnReload func(path string, report ReloadReport, err error)
}

// NewWatcher creates a watcher for the given manifest paths.
func NewWatcher(reg *Registry, paths []string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:  fw,
		registry: reg,
		files:    make(map[string]bool),
		pending:  make(map[string]time.Time),
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logging.New().WithComponent("tool-watcher"),
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = filepath.Clean(p)
		}
		w.files[abs] = true
	}
	return w, nil
}

// SetDebounce changes the quiet period before a change is applied.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// Start begins watching. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dirs := make(map[string]bool)
	for f := range w.files {
		dirs[filepath.Dir(f)] = true
	}
	for d := range dirs {
		if err := w.watcher.Add(d); err != nil {
			w.logger.Warn("cannot watch directory", map[string]interface{}{"dir": d, "error": err.Error()})
		}
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
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
	if err := w.watcher.Close(); err != nil {
		w.logger.Error("closing watcher", map[string]interface{}{"error": err.Error()})
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error", map[string]interface{}{"error": err.Error()})
		case <-tick.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	name := filepath.Clean(event.Name)
	if !w.files[name] {
		return
	}
	w.mu.Lock()
	w.pending[name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	var ready []string
	for path, at := range w.pending {
		if time.Since(at) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		report, err := LoadManifestInto(w.registry, path)
		if errors.Is(err, fs.ErrNotExist) {
			report, err = w.registry.Remove(ManifestSource(path)), nil
		} else if err != nil {
			w.logger.Warn("manifest reload failed, keeping previous tools", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
		if w.OnReload != nil {
			w.OnReload(path, report, err)
		}
	}
}
