package config

import (
	"context"
	"path/filepath"
	"time"

	"splitter-service/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and calls
// onChange with each valid new configuration. It blocks until ctx is
// cancelled. Editors often replace files by rename, so the watch is on
// the directory and events are debounced.
func Watch(ctx context.Context, path string, l *logger.Logger, onChange func(*Config)) error {
	log := l.WithTag("config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	log.Infof("Watching %s for changes", path)

	target := filepath.Clean(path)
	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(200 * time.Millisecond)
				pendingC = pending.C
			} else {
				pending.Reset(200 * time.Millisecond)
			}

		case <-pendingC:
			pending = nil
			pendingC = nil
			cfg, err := Load(path)
			if err != nil {
				log.Warnf("Ignoring config change: %v", err)
				continue
			}
			log.Infof("Config reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("Config watcher error: %v", err)
		}
	}
}
