package settings

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the blob whenever the file changes on disk and delivers
// the parsed result. The channel closes when the context ends.
//
// The parent directory is watched rather than the file itself: editors
// and atomic writers replace the inode, which silently detaches a
// per-file watch.
func Watch(ctx context.Context, path string, log *zap.Logger) (<-chan Settings, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	out := make(chan Settings, 1)

	go func() {
		defer watcher.Close()
		defer close(out)

		target, _ := filepath.Abs(path)

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				name, _ := filepath.Abs(event.Name)
				if name != target {
					continue
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				loaded, err := Load(path)
				if err != nil {
					log.Warn("Failed to reload settings", zap.Error(err))
					continue
				}

				// Drop a stale queued reload so the reader always
				// gets the freshest parse.
				select {
				case <-out:
				default:
				}

				out <- loaded

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				log.Warn("Settings watcher error", zap.Error(err))
			}
		}
	}()

	return out, nil
}
