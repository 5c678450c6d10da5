package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle is how long Watch waits after a change before reading the
// file, so editors that write in several steps are seen once.
const reloadSettle = 150 * time.Millisecond

// Watch reloads path whenever it changes and calls fn with each config that
// loads and validates. Invalid files are logged and skipped, leaving the
// previous config in effect. The parent directory is watched so atomic
// rename-into-place saves are seen. Watch returns when ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadSettle)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)

		case <-pending:
			pending = nil
			cfg, err := Load(target)
			if err != nil {
				logger.Error("config reload rejected, keeping previous settings",
					"path", target,
					"error", err)
				continue
			}
			logger.Info("config reloaded", "path", target)
			fn(cfg)
		}
	}
}
