package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/stagehand-dev/stagehand/internal/logging"
)

// ReloadEvent describes a change to a watched configuration file.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher emits a ReloadEvent whenever the config file changes on disk, so a
// long-running coordinator can pick up tuning changes without a restart.
type Watcher struct {
	configDir string
	logger    *logging.Logger
	events    chan ReloadEvent
}

// NewWatcher creates a watcher for config files under configDir.
func NewWatcher(configDir string, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Watcher{
		configDir: configDir,
		logger:    logger,
		events:    make(chan ReloadEvent, 16),
	}
}

// Events returns the channel on which reload events are delivered.
// The channel is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching and returns immediately. The watcher stops when ctx
// is cancelled. If the event buffer is full, changes are dropped rather than
// blocking the filesystem notification loop.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory rather than the file itself so atomic
	// write-and-rename saves are still observed.
	if err := fsw.Add(w.configDir); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != "config.yaml" {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
