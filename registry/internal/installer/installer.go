// Package installer imports models whose base and type are not known in advance.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"
	"github.com/llmariner/model-registry/registry/internal/config"
	"github.com/llmariner/model-registry/registry/internal/errdefs"
	"github.com/llmariner/model-registry/registry/internal/modelkey"
	"github.com/llmariner/model-registry/registry/internal/models"
	"github.com/llmariner/model-registry/registry/internal/probe"
	s3fetch "github.com/llmariner/model-registry/registry/internal/s3"
)

// defaultPrediction is used for checkpoints that need a prediction type when no helper is given.
const defaultPrediction = models.PredictionV

type prober interface {
	Classify(path string) (*probe.Result, error)
}

type s3Client interface {
	Download(ctx context.Context, w io.WriterAt, bucket, key string) error
	ListObjectsPages(ctx context.Context, bucket, prefix string, f func(page *s3.ListObjectsV2Output, lastPage bool) bool) error
}

// New returns a new Installer. s3c may be nil, in which case s3:// items are rejected.
func New(cfg *config.Config, p prober, s3c s3Client, logger logr.Logger) *Installer {
	return &Installer{
		cfg:    cfg,
		prober: p,
		s3:     s3c,
		logger: logger.WithName("installer"),
	}
}

// Installer classifies paths and builds the descriptors of the models they hold.
// It does not register the models.
type Installer struct {
	cfg    *config.Config
	prober prober
	s3     s3Client
	logger logr.Logger
}

// HeuristicImport builds descriptors for the models at item.
//
// item is a local path or an s3:// location. A local model file or model
// directory stays where it is. A local directory that is not a model itself is
// searched for models. A remote model is downloaded into <modelsDir>/<base>/<type>/.
//
// helper is called for checkpoints whose prediction type cannot be derived
// from their content.
func (i *Installer) HeuristicImport(ctx context.Context, item string, helper models.PredictionHelper) (map[modelkey.Key]*models.Config, error) {
	if s3fetch.IsURL(item) {
		return i.importS3(ctx, item, helper)
	}

	path := i.cfg.Resolve(item)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %s", item, err)
	}
	if fi.IsDir() && !probe.HasBundleMarker(path) {
		return i.importDir(ctx, path, helper)
	}

	key, cfg, err := i.classify(path, helper)
	if err != nil {
		return nil, err
	}
	cfg.Path = i.cfg.Relativize(path)
	return map[modelkey.Key]*models.Config{key: cfg}, nil
}

// importDir imports every model found under dir. Models that cannot be
// classified are logged and skipped.
func (i *Installer) importDir(ctx context.Context, dir string, helper models.PredictionHelper) (map[modelkey.Key]*models.Config, error) {
	paths, err := Search(dir)
	if err != nil {
		return nil, err
	}
	i.logger.Info("Importing models from directory", "dir", dir, "candidates", len(paths))

	installed := map[modelkey.Key]*models.Config{}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return installed, err
		}
		key, cfg, err := i.classify(p, helper)
		if err != nil {
			i.logger.Error(err, "Skipping model", "path", p)
			continue
		}
		if prev, ok := installed[key]; ok {
			i.logger.Info("Skipping model with a duplicate key", "key", key, "path", p, "kept", prev.Path)
			continue
		}
		cfg.Path = i.cfg.Relativize(p)
		installed[key] = cfg
	}
	return installed, nil
}

// importS3 downloads the model at rawURL into the managed storage root.
func (i *Installer) importS3(ctx context.Context, rawURL string, helper models.PredictionHelper) (map[modelkey.Key]*models.Config, error) {
	if i.s3 == nil {
		return nil, fmt.Errorf("%s: no object store is configured", rawURL)
	}
	u, err := s3fetch.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	// Stage under the storage root so that the final move is a rename.
	root := i.cfg.ModelsPath()
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	staging, err := os.MkdirTemp(root, ".import-")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = os.RemoveAll(staging)
	}()

	local, err := s3fetch.Fetch(logr.NewContext(ctx, i.logger), i.s3, u, staging)
	if err != nil {
		return nil, err
	}
	key, cfg, err := i.classify(local, helper)
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(i.cfg.ModelDir(key.Base, key.Type), filepath.Base(local))
	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrAlreadyExists, dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, err
	}
	if err := os.Rename(local, dest); err != nil {
		return nil, err
	}
	i.logger.Info("Downloaded model", "url", rawURL, "key", key, "path", dest)

	cfg.Path = i.cfg.Relativize(dest)
	return map[modelkey.Key]*models.Config{key: cfg}, nil
}

func (i *Installer) classify(path string, helper models.PredictionHelper) (modelkey.Key, *models.Config, error) {
	r, err := i.prober.Classify(path)
	if err != nil {
		return modelkey.Key{}, nil, err
	}
	if r.NeedsPredictionType {
		pt := defaultPrediction
		if helper != nil {
			if pt, err = helper(path); err != nil {
				return modelkey.Key{}, nil, fmt.Errorf("%s: choose prediction type: %s", path, err)
			}
		}
		r.Config.PredictionType = pt
		r.Config.CheckpointConfig = probe.LegacyConfig(r.Base, r.Config.Variant, pt)
	}
	if _, err := models.ClassFor(r.Base, r.Type); err != nil {
		return modelkey.Key{}, nil, fmt.Errorf("%w: %s: %s", errdefs.ErrUnrecognized, path, err)
	}
	return modelkey.New(nameOf(path), r.Base, r.Type), r.Config, nil
}

// nameOf derives a model name from a file stem or a directory name.
func nameOf(path string) string {
	name := filepath.Base(path)
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return name
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Search returns the model directories and model files under dir. The content
// of a model directory is not searched.
func Search(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		if path == dir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if probe.HasBundleMarker(path) {
				paths = append(paths, path)
				return fs.SkipDir
			}
			return nil
		}
		if probe.HasModelSuffix(d.Name()) {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}
