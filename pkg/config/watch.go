package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadCallback is invoked with the previous and newly-loaded Tunables
// whenever Watch picks up a change.
type ReloadCallback func(old, new *Tunables)

// Watcher hot-reloads a tunables file via fsnotify, debouncing bursts of
// writes (editors often rewrite-then-rename) before reloading.
type Watcher struct {
	logger   *zap.Logger
	path     string
	callback ReloadCallback
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	current *Tunables
	stopCh  chan struct{}
}

// Watch starts watching path for changes and returns the Watcher holding
// the tunables already loaded from it. callback fires after every
// successfully-reloaded, successfully-validated change; a bad file on disk
// is logged and left as the current tunables.
func Watch(logger *zap.Logger, path string, callback ReloadCallback) (*Watcher, error) {
	initial, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: loading initial tunables: %w", err)
	}
	if err := Validate(initial); err != nil {
		return nil, fmt.Errorf("config: initial tunables invalid: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watching tunables file: %w", err)
	}

	w := &Watcher{
		logger:   logger,
		path:     path,
		callback: callback,
		watcher:  fw,
		current:  initial,
		stopCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("tunables reload failed, keeping previous values", zap.Error(err))
		return
	}
	if err := Validate(next); err != nil {
		w.logger.Warn("reloaded tunables invalid, keeping previous values", zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = next
	w.mu.Unlock()

	w.logger.Info("tunables reloaded", zap.String("path", w.path))
	if w.callback != nil {
		w.callback(old, next)
	}
}

// Current returns the most recently loaded, valid Tunables.
func (w *Watcher) Current() *Tunables {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops watching and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}
