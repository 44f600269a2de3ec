package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes on disk and invokes
// registered callbacks with the freshly validated config. Editors typically
// write config files via rename, so the watcher observes the parent directory
// and filters events for the target file.
type Watcher struct {
	path      string
	onChange  []func(*Config)
	debounce  time.Duration
	fsWatcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}

	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}

	return &Watcher{
		path:      path,
		debounce:  500 * time.Millisecond,
		fsWatcher: fw,
	}, nil
}

// OnChange registers a callback invoked after a successful reload.
func (w *Watcher) OnChange(cb func(*Config)) {
	w.onChange = append(w.onChange, cb)
}

// Run watches until the context is cancelled. Reload errors are logged and
// the previous configuration stays in effect.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsWatcher.Close()

	var pending *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts: editors often emit several events per save.
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)

		case <-fire:
			cfg, err := Load(w.path)
			if err != nil {
				slog.Warn("config reload failed, keeping previous config",
					"path", w.path,
					"error", err,
				)
				continue
			}
			slog.Info("config reloaded", "path", w.path)
			for _, cb := range w.onChange {
				cb(cfg)
			}
		}
	}
}
