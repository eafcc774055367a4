package skills

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-discovers the registry when a skill source changes. Events are
// debounced so a burst of writes triggers one reload.
type Watcher struct {
	registry *Registry
	logger   *slog.Logger
	debounce time.Duration
	reloaded chan int // skill count after each reload, best-effort
}

// NewWatcher watches the registry's configured directories.
func NewWatcher(registry *Registry, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		registry: registry,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		reloaded: make(chan int, 4),
	}
}

// Reloaded signals completed reloads with the resulting skill count.
func (w *Watcher) Reloaded() <-chan int {
	return w.reloaded
}

// Start begins watching until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	for _, dir := range w.registry.cfg.Dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			w.logger.Warn("skills watcher: abs failed", "dir", dir, "error", err)
			continue
		}
		if err := fsw.Add(abs); err != nil {
			w.logger.Warn("skills watcher: add failed", "dir", abs, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(w.debounce)
					fire = timer.C
				} else {
					timer.Reset(w.debounce)
				}
			case <-fire:
				timer = nil
				fire = nil
				if err := w.registry.Discover(); err != nil {
					w.logger.Warn("skill reload finished with errors", "error", err)
				}
				select {
				case w.reloaded <- w.registry.Len():
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("skills watcher error", "error", err)
			}
		}
	}()
	return nil
}
