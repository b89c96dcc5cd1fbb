package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// PolicyHandler is called with the newly loaded policy after a change.
type PolicyHandler func(PolicyConfig)

// PolicyWatcher hot-reloads the verification/escalation policy file. The
// watch is on the file's directory: editors replace files atomically, which
// a direct file watch misses.
type PolicyWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu       sync.Mutex
	handlers []PolicyHandler
	started  bool
	stopCh   chan struct{}
}

// NewPolicyWatcher creates a watcher for the policy file at path.
func NewPolicyWatcher(path string, logger *zap.Logger) (*PolicyWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("policy path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &PolicyWatcher{
		path:    path,
		watcher: watcher,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}, nil
}

// OnChange registers a handler invoked on every successful reload.
func (w *PolicyWatcher) OnChange(h PolicyHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start loads the file once, notifies handlers, and begins watching.
func (w *PolicyWatcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	policy, err := LoadPolicy(w.path)
	if err != nil {
		return err
	}
	w.notify(policy)

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch policy directory: %w", err)
	}

	go w.loop()
	w.logger.Info("policy watcher started", zap.String("path", w.path))
	return nil
}

// Stop ends the watch.
func (w *PolicyWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil
	}
	w.started = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *PolicyWatcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			policy, err := LoadPolicy(w.path)
			if err != nil {
				// A bad edit keeps the previous policy in effect.
				w.logger.Warn("policy reload failed; keeping previous policy",
					zap.String("path", w.path),
					zap.Error(err),
				)
				continue
			}
			w.logger.Info("policy reloaded", zap.String("path", w.path))
			w.notify(policy)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *PolicyWatcher) notify(policy PolicyConfig) {
	w.mu.Lock()
	handlers := append([]PolicyHandler{}, w.handlers...)
	w.mu.Unlock()
	for _, h := range handlers {
		h(policy)
	}
}

// LoadPolicy reads and parses a policy YAML file.
func LoadPolicy(path string) (PolicyConfig, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return PolicyConfig{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	var policy PolicyConfig
	if err := yaml.Unmarshal(payload, &policy); err != nil {
		return PolicyConfig{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return policy, nil
}
