package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceDelay coalesces the burst of events an editor save produces.
const debounceDelay = 200 * time.Millisecond

// Watch reports the manifest at path each time its version changes from
// current. The directory is watched so atomic renames are seen. Unreadable
// or invalid manifests are logged and skipped. The channel is closed when
// ctx is done.
func Watch(ctx context.Context, path, current string, logger *zap.Logger) (<-chan *Manifest, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("manifest")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	out := make(chan *Manifest, 1)
	go func() {
		defer close(out)
		defer watcher.Close()

		debounce := time.NewTimer(time.Hour)
		debounce.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				debounce.Reset(debounceDelay)

			case <-debounce.C:
				m, err := Read(abs)
				if err != nil {
					logger.Warn("ignoring manifest change", zap.String("path", abs), zap.Error(err))
					continue
				}
				if m.Version == current {
					continue
				}
				logger.Info("manifest version changed", zap.String("from", current), zap.String("to", m.Version))
				current = m.Version
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("watch error", zap.Error(err))
			}
		}
	}()
	return out, nil
}
