package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceDelay = 500 * time.Millisecond

// PolicyWatcher reloads the TTL policy file when it changes and hands the
// new tables to registered callbacks. A file that fails to parse leaves the
// current tables in place.
type PolicyWatcher struct {
	path      string
	current   PolicySet
	callbacks []func(PolicySet)
	mu        sync.RWMutex
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// NewPolicyWatcher watches the directory holding path, so editors that
// replace the file by rename are still seen.
func NewPolicyWatcher(path string, initial PolicySet, logger *zap.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w := &PolicyWatcher{
		path:    filepath.Clean(path),
		current: initial,
		logger:  logger,
		watcher: fsWatcher,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.watchLoop()

	logger.Info("TTL policy hot reloading enabled", zap.String("file", path))
	return w, nil
}

func (w *PolicyWatcher) watchLoop() {
	defer close(w.done)
	defer w.watcher.Close()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("TTL policy file changed",
				zap.String("file", event.Name),
				zap.String("operation", event.Op.String()))

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

func (w *PolicyWatcher) reload() {
	set, err := LoadPolicyFile(w.path)
	if err != nil {
		w.logger.Error("Keeping previous TTL policy", zap.Error(err))
		return
	}

	w.mu.Lock()
	if reflect.DeepEqual(w.current, set) {
		w.mu.Unlock()
		w.logger.Debug("TTL policy unchanged after reload")
		return
	}
	w.current = set
	callbacks := make([]func(PolicySet), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("TTL policy reloaded",
		zap.Int("cache_rules", len(set.Cache.Prefixes)),
		zap.Int("query_rules", len(set.Queries.Prefixes)),
		zap.Int("endpoint_rules", len(set.Endpoints.Prefixes)))

	for i, cb := range callbacks {
		go func(idx int, cb func(PolicySet)) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Policy callback panicked",
						zap.Int("callback_index", idx),
						zap.Any("panic", r))
				}
			}()
			cb(set)
		}(i, cb)
	}
}

// OnChange registers a callback run after every successful reload.
func (w *PolicyWatcher) OnChange(cb func(PolicySet)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.mu.Unlock()
}

// Current returns the tables last loaded.
func (w *PolicyWatcher) Current() PolicySet {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stop ends the watch loop and waits for it to exit.
func (w *PolicyWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}
