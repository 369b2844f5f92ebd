package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "newsbot/pkg/logx"
)

const reloadDebounce = 250 * time.Millisecond

// Watch re-loads the config file whenever it changes on disk and calls
// apply with the new config. The directory is watched (not the file) so
// atomic editor saves and rename-replace deploys are caught. A broken
// config keeps the previous one in effect.
//
// Watch blocks until ctx is cancelled; run it under a supervisor.
func Watch(ctx context.Context, path string, log logx.Logger, apply func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload failed; keeping previous", logx.Err(err))
				continue
			}
			log.Info("config reloaded")
			apply(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", logx.Err(err))
		}
	}
}
