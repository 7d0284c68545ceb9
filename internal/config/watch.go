package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events editors emit on save.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the config file behind h whenever it changes on disk and
// calls onChange with each successfully loaded config. A file that fails to
// parse or validate is logged and the previous config stays in effect.
// Watch blocks until ctx is canceled.
func Watch(ctx context.Context, h *Holder, logger *slog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic rename-over saves are seen.
	dir := filepath.Dir(h.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching config directory %s: %w", dir, err)
	}

	name := filepath.Clean(h.Path())

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != name || !ev.Op.Has(fsnotify.Write) &&
				!ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}

			reload = timer.C

		case <-reload:
			reload = nil

			cfg, err := LoadOrDefault(h.Path())
			if err != nil {
				logger.Warn("config reload failed, keeping previous config",
					slog.String("path", h.Path()), slog.String("error", err.Error()))

				continue
			}

			h.Update(cfg)
			logger.Info("config reloaded", slog.String("path", h.Path()))

			if onChange != nil {
				onChange(cfg)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
