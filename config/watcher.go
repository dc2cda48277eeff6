package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"feedflow/logger"
)

// Loader builds a fresh snapshot, typically from the endpoints file.
type Loader func() (*Snapshot, error)

// FileLoader reads path and validates it against cfg and transforms.
func FileLoader(path string, cfg *Config, transforms TransformSet) Loader {
	return func() (*Snapshot, error) {
		file, err := LoadEndpoints(path)
		if err != nil {
			return nil, err
		}
		return BuildSnapshot(file, cfg, transforms)
	}
}

// Watcher reloads the endpoints file on change and swaps the snapshot. An
// invalid file leaves the previous snapshot in place.
type Watcher struct {
	path     string
	store    *Store
	load     Loader
	debounce time.Duration
	log      *logger.Log
}

func NewWatcher(path string, store *Store, load Loader, log *logger.Log) *Watcher {
	return &Watcher{
		path:     path,
		store:    store,
		load:     load,
		debounce: 250 * time.Millisecond,
		log:      log,
	}
}

// Run watches the file's directory, since editors often replace files by
// rename, until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	log := w.log.WithComponent("config").WithFields(logger.Fields{"path": w.path})
	log.Info("watching endpoints file")

	target := filepath.Clean(w.path)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("watcher error")
		case <-fire:
			fire = nil
			w.Reload()
		}
	}
}

// Reload builds a new snapshot and swaps it in when valid.
func (w *Watcher) Reload() bool {
	log := w.log.WithComponent("config")
	next, err := w.load()
	if err != nil {
		log.WithError(err).Error("endpoint reload rejected; keeping previous snapshot")
		return false
	}
	prev := w.store.Swap(next)
	fields := logger.Fields{"version": next.Version, "endpoints": len(next.Endpoints)}
	if prev != nil {
		fields["previous_version"] = prev.Version
	}
	log.WithFields(fields).Info("endpoint catalog reloaded")
	return true
}
