package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchRouterConfig watches the router YAML and invokes onReload with each
// successfully parsed new config. Editors that replace the file (rename +
// create) are handled by watching the parent directory. Reload events are
// debounced because most editors emit several writes per save.
func WatchRouterConfig(ctx context.Context, path string, logger *slog.Logger, onReload func(*RouterConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		reload := func() {
			rc, err := LoadRouterConfig(target)
			if err != nil {
				logger.Warn("router config reload failed", "path", target, "error", err)
				return
			}
			logger.Info("router config reloaded", "path", target)
			onReload(rc)
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(200*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("router config watcher error", "error", err)
			}
		}
	}()

	return nil
}
