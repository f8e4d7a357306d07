package tasks

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"filmarchive/internal/fsutil"
)

// SourceWatcher monitors source mirrors and fires a debounced trigger after
// scans land.
type SourceWatcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger
}

// NewSourceWatcher creates a watcher; debounce <= 0 means 30s.
func NewSourceWatcher(debounce time.Duration, logger *slog.Logger) (*SourceWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceWatcher{watcher: w, debounce: debounce, logger: logger}, nil
}

// AddTree watches dir and its subdirectories down to depth, following
// symlinked batch directories. fsnotify itself is not recursive.
func (sw *SourceWatcher) AddTree(dir string, depth int) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}
	if err := sw.watcher.Add(resolved); err != nil {
		return err
	}
	sw.logger.Debug("watching directory", "path", resolved)
	if depth <= 0 {
		return nil
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if fsutil.IsIgnoredName(e.Name()) {
			continue
		}
		p := filepath.Join(resolved, e.Name())
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			continue
		}
		if err := sw.AddTree(p, depth-1); err != nil {
			sw.logger.Warn("cannot watch directory", "path", p, "error", err)
		}
	}
	return nil
}

// Close releases the watcher without running it.
func (sw *SourceWatcher) Close() error {
	return sw.watcher.Close()
}

// Run blocks until ctx is done. Relevant events restart the debounce timer;
// when it fires, trigger runs on this goroutine so runs never overlap.
func (sw *SourceWatcher) Run(ctx context.Context, trigger func(context.Context) error) error {
	defer sw.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(sw.debounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(sw.debounce)
		}
		fire = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return nil
			}
			if sw.relevant(event) {
				arm()
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return nil
			}
			sw.logger.Error("filesystem watcher error", "error", err)
		case <-fire:
			fire = nil
			if err := trigger(ctx); err != nil {
				sw.logger.Error("triggered sync failed", "error", err)
			}
		}
	}
}

func (sw *SourceWatcher) relevant(event fsnotify.Event) bool {
	if event.Op&fsnotify.Chmod == event.Op {
		return false
	}
	name := filepath.Base(event.Name)
	if fsutil.IsIgnoredName(name) {
		return false
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// new batch or sub-folder
			if err := sw.AddTree(event.Name, 1); err != nil {
				sw.logger.Warn("cannot watch new directory", "path", event.Name, "error", err)
			}
			return true
		}
	}
	return fsutil.IsSourceImage(name)
}
