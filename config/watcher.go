package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is how long the watcher waits for further writes
// before reloading. Editors write config files in bursts.
const defaultDebounce = 500 * time.Millisecond

// ApplyFunc receives each successfully reloaded config. It runs on the
// watcher goroutine; implementations push the new descriptor table into
// the selection engine and health tracker.
type ApplyFunc func(cfg *Config)

// Watcher reloads a config file on change and hands valid configs to an
// apply callback. Invalid configs are logged and skipped; the previous
// config stays in effect.
type Watcher struct {
	path     string
	apply    ApplyFunc
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	pendingMu sync.Mutex
	pending   bool
}

// NewWatcher creates a watcher for one config file.
func NewWatcher(path string, apply ApplyFunc, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		apply:    apply,
		logger:   logger,
		watcher:  fsw,
		debounce: defaultDebounce,
	}, nil
}

// Start begins watching. Watches the parent directory rather than the
// file itself so atomic rename-into-place saves are seen.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Config watcher started",
		"path", w.path,
		"debounce", w.debounce)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// processEvents handles fsnotify events with debouncing.
func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.pendingMu.Lock()
				w.pending = true
				w.pendingMu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// flushPending reloads once per debounce interval when changes arrived.
func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	dirty := w.pending
	w.pending = false
	w.pendingMu.Unlock()

	if !dirty {
		return
	}

	cfg, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous config",
			"path", w.path,
			"error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("Reloaded config invalid, keeping previous config",
			"path", w.path,
			"error", err)
		return
	}

	w.logger.Info("Config reloaded",
		"path", w.path,
		"providers", len(cfg.Providers))
	w.apply(cfg)
}
