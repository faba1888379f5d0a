package runtimes

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads profiles from dir whenever a profile file changes, until ctx
// is cancelled. Reload failures are logged and the previous profiles stay.
func (r *Registry) Watch(ctx context.Context, dir string, log *logrus.Entry) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()

		// Editors emit bursts of events for a single save.
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Chmod) {
					continue
				}
				debounce = time.After(200 * time.Millisecond)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("runtime watcher error")
			case <-debounce:
				debounce = nil
				n, err := r.LoadDir(dir)
				if err != nil {
					log.WithError(err).Warn("reloading runtime profiles")
					continue
				}
				log.WithField("profiles", n).Info("reloaded runtime profiles")
			}
		}
	}()

	return nil
}
