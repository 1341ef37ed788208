package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the freshly loaded config after a file change.
type ReloadFunc func(*Config)

// Watcher reloads a config file when it changes on disk and hands the
// result to a callback. Only tunables the callback applies take effect;
// connection settings need a restart.
type Watcher struct {
	path     string
	onReload ReloadFunc
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	// Debouncing: editors fire several events per save
	pendingMu sync.Mutex
	pending   bool
	debounce  time.Duration
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		onReload: onReload,
		logger:   logger,
		watcher:  fsw,
		debounce: 200 * time.Millisecond,
	}, nil
}

// Start begins watching until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	go w.processEvents(ctx)

	w.logger.Info("Config watcher started", slog.String("path", w.path))
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) scheduleReload(ctx context.Context) {
	w.pendingMu.Lock()
	if w.pending {
		w.pendingMu.Unlock()
		return
	}
	w.pending = true
	w.pendingMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.debounce):
		}

		w.pendingMu.Lock()
		w.pending = false
		w.pendingMu.Unlock()

		config, err := LoadFromFile(w.path)
		if err != nil {
			w.logger.Warn("Config reload failed", slog.String("path", w.path), slog.String("error", err.Error()))
			return
		}
		if err := config.Validate(); err != nil {
			w.logger.Warn("Reloaded config invalid, keeping previous", slog.String("error", err.Error()))
			return
		}

		w.logger.Info("Config reloaded", slog.String("path", w.path))
		w.onReload(config)
	}()
}
