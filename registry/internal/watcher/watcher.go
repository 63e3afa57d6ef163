// Package watcher rescans the model directories when they change.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/config"
	"github.com/llmariner/model-registry/registry/internal/reconciler"
	"github.com/llmariner/model-registry/registry/internal/registry"
)

type scanner interface {
	Scan(ctx context.Context, f registry.Filter) (reconciler.Result, error)
}

// New returns a new Watcher.
func New(cfg *config.Config, s scanner, logger logr.Logger) *Watcher {
	return &Watcher{
		cfg:      cfg,
		scanner:  s,
		debounce: cfg.Watcher.Debounce,
		logger:   logger.WithName("watcher"),
	}
}

// Watcher watches <modelsDir>/<base>/<type> and the autoimport directories.
// Changes are debounced and followed by a full scan.
type Watcher struct {
	cfg      *config.Config
	scanner  scanner
	debounce time.Duration
	logger   logr.Logger

	// autoimport holds the absolute autoimport roots. Their sub-directories are watched too.
	autoimport []string
}

// Run watches until ctx is done. Scan failures are logged.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %s", err)
	}
	defer func() {
		_ = fsw.Close()
	}()

	// The conventional directories are created so that they can be watched.
	for _, base := range modelkind.Bases() {
		for _, typ := range modelkind.Types() {
			dir := w.cfg.ModelDir(base, typ)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
			if err := fsw.Add(dir); err != nil {
				return fmt.Errorf("watch %s: %s", dir, err)
			}
		}
	}
	for _, d := range w.cfg.Autoimport.Dirs() {
		root := w.cfg.Resolve(d)
		if _, err := os.Stat(root); err != nil {
			w.logger.Info("Autoimport directory does not exist", "dir", root)
			continue
		}
		w.autoimport = append(w.autoimport, root)
		w.addTree(fsw, root)
	}
	w.logger.Info("Watching model directories", "debounce", w.debounce)

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			w.logger.V(1).Info("Detected change", "path", ev.Name, "op", ev.Op.String())
			if ev.Has(fsnotify.Create) && w.underAutoimport(ev.Name) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					w.addTree(fsw, ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C
			pending = true

		case <-timerC:
			timerC = nil
			if !pending {
				continue
			}
			pending = false
			res, err := w.scanner.Scan(ctx, registry.Filter{})
			if err != nil {
				w.logger.Error(err, "Scan failed")
				continue
			}
			w.logger.Info("Rescanned after change", "added", res.Added, "removed", res.Removed, "marked", res.Marked, "imported", res.Imported)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(err, "Watch error")

		case <-ctx.Done():
			return nil
		}
	}
}

// addTree watches dir and its non-hidden sub-directories.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.logger.Error(err, "Failed to watch directory", "dir", path)
		}
		return nil
	})
}

func (w *Watcher) underAutoimport(path string) bool {
	for _, root := range w.autoimport {
		if rel, err := filepath.Rel(root, path); err == nil && config.IsLocal(rel) {
			return true
		}
	}
	return false
}

// relevant reports whether the event may change the set of models.
func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	return !strings.HasPrefix(filepath.Base(ev.Name), ".")
}
