package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow absorbs the burst of write events editors emit when
// saving a file.
const debounceWindow = 300 * time.Millisecond

// Watch reloads the config file whenever it changes on disk and calls
// onReload with the new config. Invalid or unreadable versions are
// logged and skipped; the previous config stays in effect. Blocks
// until ctx is done.
func Watch(ctx context.Context, path string, onReload func(*Config), log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory rather than the file: editors replace the
	// file on save, which would drop a direct watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	log.Info("watching config file", "path", path)

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			cfg, err := Load(path)
			if err != nil {
				log.Error("reloading config failed, keeping previous", "error", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				log.Error("reloaded config is invalid, keeping previous", "error", err)
				continue
			}
			log.Info("config reloaded", "path", path)
			onReload(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("config watcher error", "error", err)
		}
	}
}
