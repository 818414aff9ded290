package registry

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchReload watches path for writes and triggers r.ReloadFromRepository on
// each one, logging (never panicking) on reload failure so a bad edit never
// takes down the running gateway. The returned watcher must be closed by
// the caller on shutdown.
func WatchReload(r *Registry, path string, log *zap.Logger) (*fsnotify.Watcher, error) {
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
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.ReloadFromRepository(); err != nil {
					log.Warn("service registry reload rejected", zap.Error(err), zap.String("path", path))
				} else {
					log.Info("service registry reloaded", zap.String("path", path))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("service registry watcher error", zap.Error(err))
			}
		}
	}()

	return watcher, nil
}
