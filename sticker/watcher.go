package sticker

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Reloader is the part of Resolver the watcher drives.
type Reloader interface {
	Reload() *Table
}

// Watcher reloads the grade table when the config file changes on disk.
//
// The parent directory is watched rather than the file so that editors
// which save by rename are still observed.
type Watcher struct {
	path     string
	reloader Reloader
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
}

// NewWatcher creates a watcher for path. Call Run to start it.
func NewWatcher(path string, reloader Reloader, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: abs, reloader: reloader, watcher: fw, logger: logger}, nil
}

// Run blocks until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Debug("watching sticker grade config", "path", w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("sticker config watcher error", "error", err)

		case <-ctx.Done():
			w.logger.Debug("sticker config watcher stopping")
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	w.logger.Info("sticker grade config changed, reloading", "path", event.Name, "op", event.Op.String())
	w.reloader.Reload()
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
