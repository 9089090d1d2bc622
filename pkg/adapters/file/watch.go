package file

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch signals on the returned channel when files in the workspace change.
// Bursts of events are debounced into one signal. The channel is closed when ctx ends.
func (t *Tree) Watch(ctx context.Context) (<-chan struct{}, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := t.addDirs(fsw, t.root); err != nil {
		fsw.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	d := &debouncer{delay: t.debounce}

	go func() {
		defer close(out)
		defer d.cancel()
		defer fsw.Close()

		notify := func() {
			select {
			case out <- struct{}{}:
			default:
			}
		}

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				rel, err := filepath.Rel(t.root, event.Name)
				if err != nil {
					continue
				}
				rel = filepath.ToSlash(rel)
				if t.Ignored(rel) || strings.HasPrefix(filepath.Base(event.Name), ".tmp-") {
					continue
				}
				if event.Op&fsnotify.Create != 0 {
					// New directories are not watched by fsnotify on their own.
					if err := t.addDirs(fsw, event.Name); err != nil {
						t.logger.Debug("Failed to watch new directory", "path", rel, "err", err)
					}
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					t.logger.Debug("Workspace changed", "path", rel, "op", event.Op.String())
					d.trigger(notify)
				}

			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				t.logger.Warn("Workspace watcher error", "err", err)
			}
		}
	}()

	return out, nil
}

// addDirs registers dir and every non-ignored directory below it.
func (t *Tree) addDirs(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Vanished between the event and the walk.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != t.root {
			rel, err := filepath.Rel(t.root, p)
			if err == nil && t.Ignored(filepath.ToSlash(rel)) {
				return filepath.SkipDir
			}
		}
		if err := fsw.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

// debouncer runs the last triggered function once the delay passes without another trigger.
type debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	stopped bool
}

func (d *debouncer) trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.stopped {
			fn()
		}
	})
}

// cancel stops pending and future calls. After it returns fn never runs again.
func (d *debouncer) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
