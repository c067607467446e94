package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mtzanidakis/maestro/internal/config"
)

const watchDebounce = 100 * time.Millisecond

// Watch reloads the registry from path whenever the file changes, until ctx
// is cancelled. A file that fails to parse or validate leaves the current
// agents in place. onReload, when set, receives the diff of every
// successful reload.
func (r *Registry) Watch(ctx context.Context, path string, onReload func(config.AgentDiff)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen too.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	slog.Info("watching agents file", "path", abs)
	go r.watchLoop(ctx, watcher, abs, onReload)
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, onReload func(config.AgentDiff)) {
	defer watcher.Close()

	file := filepath.Base(path)
	reload := make(chan struct{}, 1)
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			r.reload(path, onReload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("agents watcher error", "error", err)
		}
	}
}

func (r *Registry) reload(path string, onReload func(config.AgentDiff)) {
	before := r.Snapshot()
	if err := r.LoadFile(path); err != nil {
		slog.Warn("agents reload failed, keeping previous agents", "path", path, "error", err)
		return
	}

	diff := config.DiffAgents(before, r.Snapshot())
	if !diff.HasChanges() {
		return
	}
	slog.Info("agents reloaded",
		"added", diff.Added,
		"removed", diff.Removed,
		"changed", diff.Changed,
	)
	if onReload != nil {
		onReload(diff)
	}
}
