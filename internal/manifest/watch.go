package manifest

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// Watch calls fn with the reloaded manifest whenever the file at path changes
// to a new version. Invalid intermediate states are logged and skipped. It
// blocks until ctx is done.
func Watch(ctx context.Context, path string, fn func(*Manifest), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "manifest", "path", path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory so atomic replace-by-rename is seen.
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	lastVersion := ""
	if current, err := Load(target); err == nil {
		lastVersion = current.Version
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce = time.After(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("manifest watcher error", "error", err)
		case <-debounce:
			debounce = nil
			next, err := Load(target)
			if err != nil {
				logger.Warn("ignoring unreadable manifest", "error", err)
				continue
			}
			if next.Version == lastVersion {
				continue
			}
			logger.Info("manifest version changed", "from", lastVersion, "to", next.Version)
			lastVersion = next.Version
			fn(next)
		}
	}
}
