package host

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"estakernel/internal/kernel"
	"estakernel/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher watches the config file and reports changes as kernel
// events. The kernel never reloads config mid-run; the event is an audit
// and operator signal, and a restart applies the new file.
type ConfigWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	submit   func(kernel.Event) error
	debounce time.Duration
	lastSeen time.Time
	dirty    bool
}

// NewConfigWatcher watches the directory containing path. Watching the
// directory instead of the file survives editors that replace-on-save.
func NewConfigWatcher(path string, submit func(kernel.Event) error) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	return &ConfigWatcher{
		watcher:  w,
		path:     path,
		submit:   submit,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Run processes filesystem events until the context is cancelled. Rapid
// saves are debounced into one kernel event.
func (cw *ConfigWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return nil
			}
			cw.handleEvent(event)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return nil
			}
			logging.Host("config watcher error: %v", err)

		case <-ticker.C:
			cw.flushDebounced()
		}
	}
}

func (cw *ConfigWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	cw.mu.Lock()
	cw.lastSeen = time.Now()
	cw.dirty = true
	cw.mu.Unlock()
}

func (cw *ConfigWatcher) flushDebounced() {
	cw.mu.Lock()
	ready := cw.dirty && time.Since(cw.lastSeen) >= cw.debounce
	if ready {
		cw.dirty = false
	}
	cw.mu.Unlock()

	if !ready {
		return
	}
	logging.Host("config file changed: %s", cw.path)
	if err := cw.submit(kernel.ConfigChangeEvent(cw.path)); err != nil {
		logging.Host("config change event rejected: %v", err)
	}
}

// Close stops the underlying watcher.
func (cw *ConfigWatcher) Close() error {
	return cw.watcher.Close()
}
