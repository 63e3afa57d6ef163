// Package convert implements the on-disk conversion cache.
//
// A model stored in a format that cannot be loaded directly is converted once
// into a directory under the cache root. The directory name is derived from
// the source path string, not from the file content, so a file replaced in
// place keeps its stale conversion until the cache entry is removed.
package convert

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/llmariner/model-registry/registry/internal/errdefs"
	"github.com/llmariner/model-registry/registry/internal/metrics"
	"github.com/llmariner/model-registry/registry/internal/models"
	"golang.org/x/sync/singleflight"
)

// completedFile marks a finished conversion.
const completedFile = ".completed"

type converter interface {
	Convert(ctx context.Context, src, dst string, cfg *models.Config, class models.Class) error
}

type metricsRecorder interface {
	Conversion(result string)
}

// New returns a new Cache rooted at dir.
func New(dir string, conv converter, m metricsRecorder, logger logr.Logger) *Cache {
	return &Cache{
		dir:     dir,
		conv:    conv,
		metrics: m,
		logger:  logger.WithName("convert"),
	}
}

// Cache converts models into their loadable format, at most once per source path.
type Cache struct {
	dir     string
	conv    converter
	metrics metricsRecorder
	logger  logr.Logger

	group singleflight.Group
}

// Path returns the cache location of the source path src.
func (c *Cache) Path(src string) string {
	if a, err := filepath.Abs(src); err == nil {
		src = a
	}
	sum := md5.Sum([]byte(src))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:]))
}

// Exists reports whether a finished conversion of src is in the cache.
func (c *Cache) Exists(src string) bool {
	_, err := os.Stat(filepath.Join(c.Path(src), completedFile))
	return err == nil
}

// Ensure returns the path of a loadable form of the model at src. If the model
// is already in its canonical format, src is returned unchanged. Otherwise the
// model is converted into the cache unless a finished conversion exists.
func (c *Cache) Ensure(ctx context.Context, src string, cfg *models.Config, class models.Class) (string, error) {
	if !class.NeedsConversion(cfg) {
		return src, nil
	}

	dst := c.Path(src)
	if c.Exists(src) {
		c.logger.V(1).Info("Conversion cache hit", "src", src, "dst", dst)
		return dst, nil
	}

	_, err, _ := c.group.Do(dst, func() (interface{}, error) {
		// Another caller may have finished the conversion while this one waited.
		if c.Exists(src) {
			return nil, nil
		}
		return nil, c.convert(ctx, src, dst, cfg, class)
	})
	if err != nil {
		c.metrics.Conversion(metrics.ResultFailure)
		return "", fmt.Errorf("%w: %s: %s", errdefs.ErrConversionFailed, src, err)
	}
	return dst, nil
}

func (c *Cache) convert(ctx context.Context, src, dst string, cfg *models.Config, class models.Class) error {
	log := c.logger.WithValues("src", src, "dst", dst)
	log.Info("Converting model", "from", cfg.Format, "to", class.Canonical)

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	tmp := filepath.Join(c.dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(dst), uuid.NewString()))
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return err
	}
	defer func() {
		_ = os.RemoveAll(tmp)
	}()

	if err := c.conv.Convert(ctx, src, tmp, cfg, class); err != nil {
		return err
	}

	// Create a file that indicates the completion of the conversion.
	f, err := os.Create(filepath.Join(tmp, completedFile))
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	// Drop any unfinished leftovers of a previous run.
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return err
	}
	c.metrics.Conversion(metrics.ResultSuccess)
	log.Info("Converted model")
	return nil
}

// Remove deletes the conversion of src from the cache, if any.
func (c *Cache) Remove(src string) error {
	dst := c.Path(src)
	if _, err := os.Stat(dst); err != nil {
		return nil
	}
	c.logger.V(1).Info("Removing converted model", "src", src, "dst", dst)
	return os.RemoveAll(dst)
}

// Move takes the conversion of src out of the cache and places it at dst.
func (c *Cache) Move(src, dst string) error {
	from := c.Path(src)
	if !c.Exists(src) {
		return fmt.Errorf("no converted model for %s", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(from, dst); err != nil {
		return err
	}
	return os.Remove(filepath.Join(dst, completedFile))
}
