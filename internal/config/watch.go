package config

import (
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// WatchEnvFile watches path (typically ".env") for writes and, after each
// one, re-reads the file into the process environment and calls onChange
// with the resulting set of tool-backend URLs. It runs until stop is
// closed. Grounded on the teacher's pkg/server reload-channel lifecycle,
// scoped here to tool-backend URLs only — timeouts and agent topology are
// not reloaded.
func WatchEnvFile(path string, onChange func(ToolBackends), stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := godotenv.Overload(path); err != nil {
					slog.Warn("config reload failed", "error", err)
					continue
				}
				cfg, err := Load("")
				if err != nil {
					slog.Warn("config reload failed", "error", err)
					continue
				}
				onChange(cfg.ToolBackends)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
