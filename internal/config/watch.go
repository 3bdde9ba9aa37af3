// ABOUTME: Watches the user configuration file and re-applies Base changes while running.
// ABOUTME: Init changes found on disk are reported and ignored until restart.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Reloader re-resolves configuration when the user file changes.
type Reloader struct {
	opts     LayerOptions
	init     InitConfig
	store    *BaseStore
	logger   *slog.Logger
	debounce time.Duration

	// reloaded is signalled after each attempt; tests use it.
	reloaded chan error
}

// NewReloader creates a reloader for opts.UserPath. init is the configuration
// the process started with.
func NewReloader(opts LayerOptions, init InitConfig, store *BaseStore, logger *slog.Logger) *Reloader {
	return &Reloader{
		opts:     opts,
		init:     init,
		store:    store,
		logger:   logger.With("component", "config-reloader"),
		debounce: defaultDebounce,
	}
}

// Run watches until ctx is cancelled. The directory is watched rather than the
// file so editors that replace the file are still seen.
func (r *Reloader) Run(ctx context.Context) error {
	if r.opts.UserPath == "" {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(r.opts.UserPath)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	r.logger.Debug("watching config", "path", r.opts.UserPath)

	target := filepath.Clean(r.opts.UserPath)
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending = time.After(r.debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("config watcher error", "error", err)

		case <-pending:
			pending = nil
			err := r.Reload()
			if r.reloaded != nil {
				r.reloaded <- err
			}
		}
	}
}

// Reload resolves the layers again and swaps in the new Base. A file that no
// longer parses or validates leaves the running Base untouched.
func (r *Reloader) Reload() error {
	layers, err := StandardLayers(r.opts)
	if err != nil {
		r.logger.Warn("config reload failed", "error", err)
		return err
	}
	eff, err := Resolve(layers)
	if err != nil {
		r.logger.Warn("config reload rejected", "error", err)
		return err
	}

	if eff.Init != r.init {
		r.logger.Warn("init settings changed on disk; restart to apply them")
	}

	r.store.Replace(eff)
	r.logger.Info("base configuration reloaded", "model", eff.Base.Model.Model)
	return nil
}
