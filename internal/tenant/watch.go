package tenant

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchReload watches path for writes and triggers r.ReloadFromRepository on
// each one, mirroring internal/registry.WatchReload. A bad edit logs a
// warning and leaves the prior tenant catalog in place rather than taking
// the gateway down.
func WatchReload(ctx context.Context, r *Resolver, path string, log *zap.Logger) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.ReloadFromRepository(ctx); err != nil {
					log.Warn("tenant catalog reload rejected", zap.Error(err), zap.String("path", path))
				} else {
					log.Info("tenant catalog reloaded", zap.String("path", path))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("tenant catalog watcher error", zap.Error(err))
			}
		}
	}()

	return watcher, nil
}
