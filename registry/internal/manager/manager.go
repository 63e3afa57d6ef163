// Package manager implements the model manager, the entry point that
// coordinates the registry, the reconciler, the conversion cache and the
// object cache.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"
	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/config"
	"github.com/llmariner/model-registry/registry/internal/convert"
	"github.com/llmariner/model-registry/registry/internal/errdefs"
	"github.com/llmariner/model-registry/registry/internal/hasher"
	"github.com/llmariner/model-registry/registry/internal/installer"
	"github.com/llmariner/model-registry/registry/internal/metrics"
	"github.com/llmariner/model-registry/registry/internal/modelkey"
	"github.com/llmariner/model-registry/registry/internal/models"
	"github.com/llmariner/model-registry/registry/internal/objectcache"
	"github.com/llmariner/model-registry/registry/internal/probe"
	"github.com/llmariner/model-registry/registry/internal/reconciler"
	"github.com/llmariner/model-registry/registry/internal/registry"
	"github.com/llmariner/model-registry/registry/internal/store"
)

// Prober classifies model files.
type Prober interface {
	Probe(path string, class models.Class) (*models.Config, error)
	Classify(path string) (*probe.Result, error)
}

// Converter converts a model into its canonical format.
type Converter interface {
	Convert(ctx context.Context, src, dst string, cfg *models.Config, class models.Class) error
}

// Loader loads a model into memory.
type Loader interface {
	Load(ctx context.Context, req objectcache.Request, opts objectcache.LoadOptions) (objectcache.Object, error)
}

// ObjectStore downloads remote models.
type ObjectStore interface {
	Download(ctx context.Context, w io.WriterAt, bucket, key string) error
	ListObjectsPages(ctx context.Context, bucket, prefix string, f func(page *s3.ListObjectsV2Output, lastPage bool) bool) error
}

// Options holds the collaborators of a Manager. Nil fields get defaults.
type Options struct {
	Logger    logr.Logger
	Metrics   metrics.Recorder
	Prober    Prober
	Converter Converter
	Loader    Loader
	// ObjectStore is used to import s3:// items. Nil disables them.
	ObjectStore ObjectStore
	// PredictionHelper is passed to the installer by scans.
	PredictionHelper models.PredictionHelper
}

// New loads the registry file and, unless disabled, scans the model directories.
func New(ctx context.Context, cfg config.Config, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s", err)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Prober == nil {
		opts.Prober = probe.New()
	}
	if opts.Converter == nil {
		opts.Converter = convert.BundleConverter{}
	}
	if opts.Loader == nil {
		opts.Loader = objectcache.FileLoader{}
	}
	logger := opts.Logger.WithName("manager")

	f, err := store.Load(cfg.ConfigPath())
	if err != nil {
		return nil, err
	}
	reg := registry.New()
	for _, e := range f.Entries {
		reg.Upsert(e.Key, e.Config)
	}
	logger.Info("Loaded registry", "path", cfg.ConfigPath(), "version", f.Metadata.Version, "models", reg.Len())

	m := &Manager{
		cfg:     &cfg,
		meta:    f.Metadata,
		reg:     reg,
		prober:  opts.Prober,
		metrics: opts.Metrics,
		helper:  opts.PredictionHelper,
		logger:  logger,

		cacheKeys: map[modelkey.Key]map[string]struct{}{},
	}
	inst := installer.New(m.cfg, opts.Prober, opts.ObjectStore, opts.Logger)
	m.recon = reconciler.New(m.cfg, reg, opts.Prober, inst, opts.Metrics, opts.Logger)
	m.conv = convert.New(cfg.CachePath(), opts.Converter, opts.Metrics, opts.Logger)
	m.objects = objectcache.New(
		objectcache.Options{
			MaxSize: cfg.ObjectCache.MaxSizeBytes(),
			LoadOptions: objectcache.LoadOptions{
				Precision: cfg.ObjectCache.Precision,
				Device:    cfg.ObjectCache.Device,
			},
		},
		opts.Loader,
		opts.Metrics,
		opts.Logger,
	)
	m.hasher = hasher.New(cfg.Hash.Enable, cfg.Hash.CacheTTL, opts.Logger)

	if !cfg.SkipInitialScan {
		if _, err := m.Scan(ctx, registry.Filter{}); err != nil {
			return nil, err
		}
	}
	m.metrics.SetRegisteredModels(reg.Len())
	return m, nil
}

// Manager is the model manager. Its operations are serialized by a single
// mutex; handles returned by Get may be used concurrently.
type Manager struct {
	cfg     *config.Config
	meta    store.Metadata
	reg     *registry.Registry
	recon   *reconciler.Reconciler
	conv    *convert.Cache
	objects *objectcache.Cache
	hasher  *hasher.Hasher
	prober  Prober
	metrics metrics.Recorder
	helper  models.PredictionHelper
	logger  logr.Logger

	mu sync.Mutex
	// cacheKeys holds the object cache keys loaded for each model.
	cacheKeys map[modelkey.Key]map[string]struct{}
}

// ModelInfo is a handle on a loaded model. It must be released.
type ModelInfo struct {
	Key modelkey.Key
	// Type is the effective type. It differs from Key.Type when a sub-model
	// is redirected to a standalone model.
	Type modelkind.Type
	// SubModel is the sub-model loaded from the model, if any.
	SubModel modelkind.SubModel
	// Location is the path the model was loaded from.
	Location  string
	Precision string
	// Hash is the SHA-256 of the loaded files. It is empty when hashing is disabled.
	Hash   string
	Object objectcache.Object

	lease *objectcache.Lease
}

// Release returns the handle to the object cache. It is safe to call more than once.
func (i *ModelInfo) Release() {
	i.lease.Release()
}

// Get returns a handle on the model, converting and loading it as needed.
// A model that is not registered triggers a scan of its base and type.
func (m *Manager) Get(ctx context.Context, key modelkey.Key, sub modelkind.SubModel) (*ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(ctx, key, sub)
}

// WithModel calls fn with a handle on the model and releases the handle when fn returns.
func (m *Manager) WithModel(ctx context.Context, key modelkey.Key, sub modelkind.SubModel, fn func(*ModelInfo) error) error {
	info, err := m.Get(ctx, key, sub)
	if err != nil {
		return err
	}
	defer info.Release()
	return fn(info)
}

func (m *Manager) getLocked(ctx context.Context, key modelkey.Key, sub modelkind.SubModel) (*ModelInfo, error) {
	class, err := models.ClassFor(key.Base, key.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrMalformedKey, err)
	}
	if err := class.ValidateSubModel(sub); err != nil {
		return nil, err
	}

	if !m.reg.Contains(key) {
		m.logger.Info("Model is not registered, rescanning", "key", key)
		if _, err := m.discoverLocked(ctx, registry.Filter{Base: key.Base, Type: key.Type}); err != nil {
			return nil, err
		}
		if !m.reg.Contains(key) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrModelNotFound, key)
		}
	}
	cfg, _ := m.reg.Get(key)

	path := m.cfg.Resolve(cfg.Path)
	if _, err := os.Stat(path); err != nil {
		if class.SaveToConfig {
			m.reg.SetError(key, models.ErrorNotFound)
			return nil, fmt.Errorf("%w: %s: %s", errdefs.ErrModelFilesMissing, key, cfg.Path)
		}
		m.logger.Info("Removing model whose files are gone", "key", key, "path", cfg.Path)
		_, _ = m.reg.Remove(key)
		m.uncacheLocked(key)
		m.metrics.SetRegisteredModels(m.reg.Len())
		return nil, fmt.Errorf("%w: %s", errdefs.ErrModelNotFound, key)
	}
	if cfg.Error != models.ErrorNone {
		m.reg.SetError(key, models.ErrorNone)
	}

	effType := key.Type
	effSub := sub
	loadClass := class
	loadCfg := cfg
	if sub != "" {
		if override, ok := cfg.SubModelPath(sub); ok {
			path = m.cfg.Resolve(override)
			if _, err := os.Stat(path); err != nil {
				return nil, fmt.Errorf("%w: submodel %s of %s: %s", errdefs.ErrModelFilesMissing, sub, key, override)
			}
			m.logger.V(1).Info("Redirecting submodel", "key", key, "submodel", sub, "path", path)
			if t, ok := sub.Type(); ok {
				// The sub-model is a standalone model of its own type.
				if loadClass, err = models.ClassFor(key.Base, t); err != nil {
					return nil, err
				}
				if loadCfg, err = m.prober.Probe(path, loadClass); err != nil {
					return nil, fmt.Errorf("submodel %s of %s: %w", sub, key, err)
				}
				effType = t
				effSub = ""
			} else {
				loadCfg = &models.Config{Path: override, Format: class.Canonical}
			}
		}
	}

	loc, err := m.conv.Ensure(ctx, path, loadCfg, loadClass)
	if err != nil {
		return nil, err
	}

	lease, err := m.objects.Acquire(ctx, objectcache.Request{
		Path:     loc,
		Base:     key.Base,
		Type:     effType,
		SubModel: effSub,
		Class:    loadClass,
	})
	if err != nil {
		return nil, err
	}
	m.trackLocked(key, lease.Key)

	hash, err := m.hasher.Hash(ctx, loc)
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("hash %s: %s", loc, err)
	}

	return &ModelInfo{
		Key:       key,
		Type:      effType,
		SubModel:  effSub,
		Location:  loc,
		Precision: m.cfg.ObjectCache.Precision,
		Hash:      hash,
		Object:    lease.Object,
		lease:     lease,
	}, nil
}

func (m *Manager) trackLocked(key modelkey.Key, cacheKey string) {
	ks, ok := m.cacheKeys[key]
	if !ok {
		ks = map[string]struct{}{}
		m.cacheKeys[key] = ks
	}
	ks[cacheKey] = struct{}{}
}

// uncacheLocked drops every object cache entry loaded for key.
func (m *Manager) uncacheLocked(key modelkey.Key) {
	ks := m.cacheKeys[key]
	delete(m.cacheKeys, key)
	if len(ks) == 0 {
		return
	}
	keys := make([]string, 0, len(ks))
	for k := range ks {
		keys = append(keys, k)
	}
	m.objects.Uncache(keys...)
}

// invalidateLocked drops the cached forms of a model.
func (m *Manager) invalidateLocked(key modelkey.Key, cfg *models.Config) error {
	m.uncacheLocked(key)
	if err := m.conv.Remove(m.cfg.Resolve(cfg.Path)); err != nil {
		return fmt.Errorf("remove converted model: %s", err)
	}
	// Standalone sub-model overrides are converted under their own path.
	for sub, p := range cfg.SubModels {
		if p == "" {
			continue
		}
		if err := m.conv.Remove(m.cfg.Resolve(p)); err != nil {
			return fmt.Errorf("remove converted submodel %s: %s", sub, err)
		}
	}
	return nil
}

// Exists reports whether the model is registered.
func (m *Manager) Exists(key modelkey.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.Contains(key)
}

// Info returns the attributes of a registered model.
func (m *Manager) Info(key modelkey.Key) (models.Attributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.reg.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrModelNotFound, key)
	}
	return cfg.Attributes(), nil
}

// List returns the registered models that match the filter.
func (m *Manager) List(f registry.Filter) []registry.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.List(f)
}

// ModelNames returns the keys of all registered models.
func (m *Manager) ModelNames() []modelkey.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.Keys()
}

// Add registers a model built from attrs. An existing model is replaced only
// if clobber is set, in which case its cached forms are dropped first.
func (m *Manager) Add(key modelkey.Key, attrs models.Attributes, clobber bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(key, attrs, clobber)
}

func (m *Manager) addLocked(key modelkey.Key, attrs models.Attributes, clobber bool) error {
	class, err := models.ClassFor(key.Base, key.Type)
	if err != nil {
		return fmt.Errorf("%w: %s", errdefs.ErrMalformedKey, err)
	}
	cfg, err := class.CreateConfig(attrs)
	if err != nil {
		return err
	}

	if old, ok := m.reg.Get(key); ok {
		if !clobber {
			return fmt.Errorf("%w: %s", errdefs.ErrAlreadyExists, key)
		}
		if err := m.invalidateLocked(key, old); err != nil {
			return err
		}
	}
	m.reg.Upsert(key, cfg)
	m.logger.Info("Added model", "key", key, "path", cfg.Path, "clobber", clobber)
	return m.commitLocked()
}

// Delete unregisters a model and drops its cached forms. Its files are
// deleted only if they are under the managed storage root.
func (m *Manager) Delete(key modelkey.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.reg.Remove(key)
	if err != nil {
		return err
	}
	if err := m.invalidateLocked(key, cfg); err != nil {
		return err
	}

	path := m.cfg.Resolve(cfg.Path)
	if m.cfg.UnderModels(path) {
		m.logger.Info("Deleting model files", "key", key, "path", path)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("delete %s: %s", path, err)
		}
	} else {
		m.logger.Info("Keeping model files outside the models directory", "key", key, "path", path)
	}

	m.metrics.SetRegisteredModels(m.reg.Len())
	if m.cfg.ConfigPath() == "" {
		return nil
	}
	return m.commitLocked()
}

// Convert converts a model into its canonical format and makes the converted
// model its new storage. The converted model is placed in destDir, or in the
// conventional directory of the model when destDir is empty. The original file
// is deleted if it is under the managed storage root.
func (m *Manager) Convert(ctx context.Context, key modelkey.Key, destDir string) (models.Attributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.reg.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrModelNotFound, key)
	}
	class, err := models.ClassFor(key.Base, key.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrMalformedKey, err)
	}
	if !class.NeedsConversion(cfg) {
		return nil, fmt.Errorf("%w: %s is stored as %s", errdefs.ErrNotConvertible, key, cfg.Format)
	}

	// Loading the model leaves its conversion in the cache.
	info, err := m.getLocked(ctx, key, "")
	if err != nil {
		return nil, err
	}
	info.Release()

	src := m.cfg.Resolve(cfg.Path)
	if destDir == "" {
		destDir = m.cfg.ModelDir(key.Base, key.Type)
	}
	dst := filepath.Join(m.cfg.Resolve(destDir), key.Name)
	if _, err := os.Stat(dst); err == nil {
		return nil, fmt.Errorf("%w: a model already exists at %s", errdefs.ErrAlreadyExists, dst)
	}

	if err := m.conv.Move(src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return nil, fmt.Errorf("%w: move converted model: %s", errdefs.ErrConversionFailed, err)
	}

	attrs := cfg.Attributes()
	attrs["model_format"] = string(class.Canonical)
	attrs["path"] = m.cfg.Relativize(dst)
	delete(attrs, "config")
	delete(attrs, "error")
	if err := m.addLocked(key, attrs, true); err != nil {
		// Leave no second copy behind; it would collide with the model on the next scan.
		_ = os.RemoveAll(dst)
		m.reg.Upsert(key, cfg)
		return nil, err
	}

	if m.cfg.UnderModels(src) {
		m.logger.Info("Deleting converted checkpoint", "key", key, "path", src)
		if err := os.RemoveAll(src); err != nil {
			m.logger.Error(err, "Failed to delete converted checkpoint", "path", src)
		}
	}
	m.logger.Info("Converted model", "key", key, "path", dst)
	return attrs, nil
}

// Scan reconciles the registry with the filesystem and commits the registry
// file when new models were found.
func (m *Manager) Scan(ctx context.Context, f registry.Filter) (reconciler.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanLocked(ctx, f)
}

func (m *Manager) scanLocked(ctx context.Context, f registry.Filter) (reconciler.Result, error) {
	res, err := m.recon.Scan(ctx, f, m.helper)
	return m.afterScanLocked(res, err)
}

// discoverLocked rescans the model directories without the autoimport pass.
// Artifacts left in the autoimport directories by a deleted model stay deleted
// until the next full scan.
func (m *Manager) discoverLocked(ctx context.Context, f registry.Filter) (reconciler.Result, error) {
	res, err := m.recon.Discover(ctx, f)
	return m.afterScanLocked(res, err)
}

func (m *Manager) afterScanLocked(res reconciler.Result, err error) (reconciler.Result, error) {
	m.metrics.SetRegisteredModels(m.reg.Len())
	if err != nil {
		return res, err
	}
	if res.NewModels() && m.cfg.ConfigPath() != "" {
		if err := m.commitLocked(); err != nil {
			return res, err
		}
	}
	return res, nil
}

// HeuristicImport imports the given local paths or s3:// locations and commits
// the registry file. Items that fail to import are skipped; the first failure
// is returned with the models that were imported.
func (m *Manager) HeuristicImport(ctx context.Context, items []string, helper models.PredictionHelper) (map[modelkey.Key]*models.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if helper == nil {
		helper = m.helper
	}
	installed, err := m.recon.Import(ctx, items, helper)
	m.metrics.SetRegisteredModels(m.reg.Len())
	if len(installed) > 0 && m.cfg.ConfigPath() != "" {
		if cerr := m.commitLocked(); cerr != nil {
			return installed, cerr
		}
	}
	return installed, err
}

// FoundModel is a model file found by SearchModels.
type FoundModel struct {
	Name     string
	Location string
}

// searchExcluded are the weight files of bundles, which are not models on their own.
var searchExcluded = map[string]bool{
	"model.safetensors":                   true,
	"diffusion_pytorch_model.safetensors": true,
}

// SearchModels finds the checkpoint and safetensors files under dir.
func (m *Manager) SearchModels(dir string) ([]FoundModel, error) {
	root := m.cfg.Resolve(dir)
	var found []FoundModel
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		ext := filepath.Ext(d.Name())
		if ext != ".ckpt" && ext != ".safetensors" {
			return nil
		}
		if searchExcluded[d.Name()] {
			return nil
		}
		found = append(found, FoundModel{
			Name:     strings.TrimSuffix(d.Name(), ext),
			Location: filepath.ToSlash(path),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Commit writes the registry file.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked()
}

func (m *Manager) commitLocked() error {
	m.meta.Version = store.Version
	if err := store.Flush(m.cfg.ConfigPath(), m.meta, m.reg.Entries()); err != nil {
		return err
	}
	m.metrics.SetRegisteredModels(m.reg.Len())
	m.logger.V(1).Info("Committed registry", "path", m.cfg.ConfigPath())
	return nil
}
