package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent is emitted when the config file changes on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the config file and reports changes, debounced so a
// single editor save does not fire several reloads.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

// NewWatcher watches the config file at path.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		events:   make(chan ReloadEvent, 16),
	}
}

// Events returns the channel reload notifications arrive on.
func (w *Watcher) Events() <-chan ReloadEvent { return w.events }

// Start blocks until ctx is cancelled, pushing a ReloadEvent whenever the
// watched file is written, created, or renamed. Editors often replace the
// file rather than write it in place, so the parent directory is watched
// and events are filtered by name.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var (
		timer   *time.Timer
		pending ReloadEvent
	)
	fire := func() <-chan time.Time {
		if timer == nil {
			return nil
		}
		return timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = ReloadEvent{Path: w.path, Op: ev.Op}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", "error", err)
		case <-fire():
			timer = nil
			select {
			case w.events <- pending:
			default:
				w.logger.Warn("config reload channel full, dropping event")
			}
		}
	}
}
