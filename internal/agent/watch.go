package agent

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/signalnine/nodepulse/internal/config"
)

// WatchConfig reloads the monitored entities whenever the config file
// changes, until ctx is cancelled. The parent directory is watched so that
// editors replacing the file by rename are seen. A config that fails to load
// or validate is logged and the previous one is kept.
func (a *Agent) WatchConfig(ctx context.Context, path, envFile string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	a.log.Infow("Watching config for changes", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			a.reloadFrom(abs, envFile)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.log.Warnw("Config watcher error", "error", err)
		}
	}
}

func (a *Agent) reloadFrom(path, envFile string) {
	next, err := config.LoadAgentConfig(path, envFile)
	if err != nil {
		a.log.Warnw("Config reload failed, keeping previous config", "path", path, "error", err)
		return
	}
	if err := next.Validate(); err != nil {
		a.log.Warnw("Reloaded config is invalid, keeping previous config", "path", path, "error", err)
		return
	}
	a.Reload(next)
	a.log.Infow("Config reloaded",
		"services", len(next.Services),
		"logs", len(next.Logs),
		"websites", len(next.Websites))
}
