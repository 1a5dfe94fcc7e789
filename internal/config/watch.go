package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// reloadDebounce collapses the burst of events an editor save produces.
const reloadDebounce = 200 * time.Millisecond

// Watch calls onChange with the re-validated config each time the file at
// path changes, until ctx is done. Invalid edits are logged and skipped.
// The directory is watched so editors that save by rename are seen.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(path)

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					pending = time.After(reloadDebounce)
				}
			case <-pending:
				pending = nil
				cfg, err := Load(path)
				if err != nil {
					log.Warnf("CONFIG: reload of %s rejected: %v", path, err)
					continue
				}
				log.Infof("CONFIG: reloaded %s", path)
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("CONFIG: watcher error: %v", err)
			}
		}
	}()
	return nil
}
