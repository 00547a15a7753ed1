package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchSettings reloads the settings file whenever it changes on disk and
// applies the result to m. It blocks until ctx is done.
//
// The parent directory is watched rather than the file because saves replace
// the file via rename.
func WatchSettings(ctx context.Context, store *FileSettingsStore, m *Manager, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := filepath.Clean(store.Path())
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure settings dir %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			settings, err := store.Load(ctx)
			if err != nil {
				logger.Warn("settings reload failed", zap.String("path", path), zap.Error(err))
				continue
			}
			logger.Debug("settings file changed", zap.String("op", event.Op.String()))
			m.ApplySettings(ctx, settings)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("settings watcher error", zap.Error(err))
		}
	}
}
