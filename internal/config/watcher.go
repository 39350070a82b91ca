package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent names a watched file that changed.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher emits an event when config.yaml or a persona file changes, so the
// daemon can re-read reset triggers, queue defaults, and the model allow
// list without a restart.
type Watcher struct {
	homeDir string
	extra   []string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, extra []string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		extra:   extra,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	files := append([]string{ConfigPath(w.homeDir)}, w.extra...)
	for _, file := range files {
		if !filepath.IsAbs(file) {
			file = filepath.Join(w.homeDir, file)
		}
		_ = fsw.Add(file)
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
