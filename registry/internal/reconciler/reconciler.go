// Package reconciler brings the registry back in sync with the filesystem.
//
// A scan runs three passes. The staleness pass marks or drops descriptors
// whose files are gone. The discovery pass registers new artifacts found under
// <modelsDir>/<base>/<type>/. The autoimport pass walks the autoimport
// directories and hands recognized artifacts to the installer.
//
// A scan is not transactional. When it fails with a duplicate key, the
// mutations applied before the failing directory are kept.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/config"
	"github.com/llmariner/model-registry/registry/internal/errdefs"
	"github.com/llmariner/model-registry/registry/internal/metrics"
	"github.com/llmariner/model-registry/registry/internal/modelkey"
	"github.com/llmariner/model-registry/registry/internal/models"
	"github.com/llmariner/model-registry/registry/internal/probe"
	"github.com/llmariner/model-registry/registry/internal/registry"
)

type prober interface {
	Probe(path string, class models.Class) (*models.Config, error)
}

type importer interface {
	HeuristicImport(ctx context.Context, item string, helper models.PredictionHelper) (map[modelkey.Key]*models.Config, error)
}

type metricsRecorder interface {
	ObserveScan(d time.Duration, result string)
}

// Result summarizes the changes made by a scan.
type Result struct {
	// Added is the number of models registered by the discovery pass.
	Added int
	// Removed is the number of scan-only models dropped because their files are gone.
	Removed int
	// Marked is the number of config-durable models marked as missing.
	Marked int
	// Imported is the number of models registered by the autoimport pass.
	Imported int
}

// NewModels reports whether the scan registered any model.
func (r Result) NewModels() bool {
	return r.Added > 0 || r.Imported > 0
}

// New returns a new Reconciler.
func New(
	cfg *config.Config,
	reg *registry.Registry,
	p prober,
	i importer,
	m metricsRecorder,
	logger logr.Logger,
) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		reg:      reg,
		prober:   p,
		importer: i,
		metrics:  m,
		logger:   logger.WithName("reconciler"),
	}
}

// Reconciler scans the model directories. It mutates the registry and is not
// safe for concurrent use.
type Reconciler struct {
	cfg      *config.Config
	reg      *registry.Registry
	prober   prober
	importer importer
	metrics  metricsRecorder
	logger   logr.Logger
}

// Scan reconciles the registry with the filesystem. The discovery pass is
// limited to the base and type of the filter. helper is passed to the
// installer for checkpoints that need a prediction type.
func (r *Reconciler) Scan(ctx context.Context, f registry.Filter, helper models.PredictionHelper) (Result, error) {
	return r.observe(func() (Result, error) {
		return r.scan(ctx, f, helper, true)
	})
}

// Discover runs the staleness and discovery passes only. Artifacts in the
// autoimport directories are left alone, so a model deleted from the registry
// is not imported again.
func (r *Reconciler) Discover(ctx context.Context, f registry.Filter) (Result, error) {
	return r.observe(func() (Result, error) {
		return r.scan(ctx, f, nil, false)
	})
}

func (r *Reconciler) observe(fn func() (Result, error)) (Result, error) {
	start := time.Now()
	res, err := fn()
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultFailure
	}
	r.metrics.ObserveScan(time.Since(start), result)
	return res, err
}

func (r *Reconciler) scan(ctx context.Context, f registry.Filter, helper models.PredictionHelper, withImport bool) (Result, error) {
	var res Result
	r.logger.Info("Scanning for models", "dir", r.cfg.ModelsPath(), "base", f.Base, "type", f.Type)

	res.Removed, res.Marked = r.sweep()

	for _, base := range modelkind.Bases() {
		if f.Base != "" && f.Base != base {
			continue
		}
		for _, typ := range modelkind.Types() {
			if f.Type != "" && f.Type != typ {
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}
			n, err := r.discover(base, typ)
			res.Added += n
			if err != nil {
				return res, err
			}
		}
	}

	if withImport {
		n, err := r.autoimport(ctx, helper)
		res.Imported = n
		if err != nil {
			return res, err
		}
	}

	r.logger.Info("Scanned for models", "added", res.Added, "removed", res.Removed, "marked", res.Marked, "imported", res.Imported)
	return res, nil
}

// sweep drops scan-only models whose files are gone and marks config-durable
// ones. A marked model whose files are back is cleared.
func (r *Reconciler) sweep() (removed, marked int) {
	for _, e := range r.reg.Entries() {
		class, err := models.ClassFor(e.Key.Base, e.Key.Type)
		if err != nil {
			continue
		}
		if _, err := os.Stat(r.cfg.Resolve(e.Config.Path)); err == nil {
			if e.Config.Error != models.ErrorNone {
				r.reg.SetError(e.Key, models.ErrorNone)
			}
			continue
		}
		if class.SaveToConfig {
			if e.Config.Error != models.ErrorNotFound {
				r.logger.Info("Model files are missing", "key", e.Key, "path", e.Config.Path)
				r.reg.SetError(e.Key, models.ErrorNotFound)
				marked++
			}
			continue
		}
		r.logger.Info("Removing model whose files are gone", "key", e.Key, "path", e.Config.Path)
		if _, err := r.reg.Remove(e.Key); err == nil {
			removed++
		}
	}
	return removed, marked
}

type candidate struct {
	key  modelkey.Key
	path string
}

// discover registers the untracked children of <modelsDir>/<base>/<type>.
// Every candidate key is checked for collisions before any is registered.
func (r *Reconciler) discover(base modelkind.Base, typ modelkind.Type) (int, error) {
	class, err := models.ClassFor(base, typ)
	if err != nil {
		return 0, err
	}
	dir := r.cfg.ModelDir(base, typ)
	children, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	known := r.reg.Paths(r.cfg.Resolve)
	planned := map[modelkey.Key]string{}
	var cands []candidate
	for _, c := range children {
		if strings.HasPrefix(c.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, c.Name())
		if _, ok := known[path]; ok {
			continue
		}
		name := c.Name()
		if !c.IsDir() {
			name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		key := modelkey.New(name, base, typ)
		if r.reg.Contains(key) {
			existing, _ := r.reg.Get(key)
			return 0, fmt.Errorf("%w: %s is registered for %s and found at %s", errdefs.ErrDuplicateModelKey, key, existing.Path, path)
		}
		if other, ok := planned[key]; ok {
			return 0, fmt.Errorf("%w: %s is found at both %s and %s", errdefs.ErrDuplicateModelKey, key, other, path)
		}
		planned[key] = path
		cands = append(cands, candidate{key: key, path: path})
	}

	var added int
	for _, c := range cands {
		cfg, err := r.prober.Probe(c.path, class)
		if err != nil {
			if errors.Is(err, errdefs.ErrUnrecognized) {
				r.logger.Error(err, "Skipping unrecognized model", "path", c.path)
				continue
			}
			return added, err
		}
		cfg.Path = r.cfg.Relativize(c.path)
		r.reg.Upsert(c.key, cfg)
		r.logger.V(1).Info("Registered model", "key", c.key, "path", cfg.Path)
		added++
	}
	return added, nil
}

// autoimport walks the autoimport directories and imports recognized artifacts.
func (r *Reconciler) autoimport(ctx context.Context, helper models.PredictionHelper) (int, error) {
	dirs := r.cfg.Autoimport.Dirs()
	var imported int
	for _, typ := range modelkind.Types() {
		d, ok := dirs[typ]
		if !ok {
			continue
		}
		root := r.cfg.Resolve(d)
		if _, err := os.Stat(root); err != nil {
			continue
		}
		r.logger.Info("Scanning for models to import", "dir", root)

		known := r.reg.Paths(r.cfg.Resolve)
		var scanned, found int
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if path == root {
				return nil
			}
			scanned++
			if strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if _, ok := known[path]; ok {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if !probe.HasBundleMarker(path) {
					return nil
				}
				// The directory is a bundle. Its content is not imported separately.
				found += len(r.importItem(ctx, path, helper))
				return fs.SkipDir
			}
			if probe.HasModelSuffix(d.Name()) {
				found += len(r.importItem(ctx, path, helper))
			}
			return nil
		})
		if err != nil {
			return imported, err
		}
		r.logger.Info("Scanned for models to import", "dir", root, "scanned", scanned, "imported", found)
		imported += found
	}
	return imported, nil
}

func (r *Reconciler) importItem(ctx context.Context, item string, helper models.PredictionHelper) map[modelkey.Key]*models.Config {
	// Failures are logged by Import and do not stop the walk.
	m, _ := r.Import(ctx, []string{item}, helper)
	return m
}

// Import runs the installer on each item and registers the results. An item
// that fails to import is logged and skipped; a result whose key is already
// registered is skipped. The first error is returned along with the models
// that were registered.
func (r *Reconciler) Import(ctx context.Context, items []string, helper models.PredictionHelper) (map[modelkey.Key]*models.Config, error) {
	installed := map[modelkey.Key]*models.Config{}
	var firstErr error
	for _, item := range items {
		m, err := r.importer.HeuristicImport(ctx, item, helper)
		if err != nil {
			r.logger.Error(err, "Skipping model", "item", item)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for key, cfg := range m {
			if r.reg.Contains(key) {
				err := fmt.Errorf("%w: %s", errdefs.ErrAlreadyExists, key)
				r.logger.Error(err, "Skipping imported model", "path", cfg.Path)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			r.reg.Upsert(key, cfg)
			installed[key] = cfg
			r.logger.Info("Imported model", "key", key, "path", cfg.Path)
		}
	}
	return installed, firstErr
}
