package convert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/llmariner/model-registry/common/pkg/test"
	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/errdefs"
	"github.com/llmariner/model-registry/registry/internal/metrics"
	"github.com/llmariner/model-registry/registry/internal/models"
	"github.com/llmariner/model-registry/registry/internal/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConverter struct {
	calls atomic.Int32
	err   error
}

func (c *fakeConverter) Convert(ctx context.Context, src, dst string, cfg *models.Config, class models.Class) error {
	c.calls.Add(1)
	if c.err != nil {
		return c.err
	}
	return os.WriteFile(filepath.Join(dst, "model_index.json"), []byte("{}"), 0644)
}

func TestEnsure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "demo.ckpt")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0644))

	conv := &fakeConverter{}
	c := New(filepath.Join(dir, ".cache"), conv, metrics.Noop{}, test.NewTestLogger(t))
	class := models.MustClassFor(modelkind.StableDiffusion1, modelkind.Main)
	ctx := context.Background()

	// Canonical formats are returned as-is.
	got, err := c.Ensure(ctx, src, &models.Config{Path: src, Format: models.FormatDiffusers}, class)
	assert.NoError(t, err)
	assert.Equal(t, src, got)
	assert.Equal(t, int32(0), conv.calls.Load())

	cfg := &models.Config{Path: src, Format: models.FormatCheckpoint}
	got, err = c.Ensure(ctx, src, cfg, class)
	assert.NoError(t, err)
	assert.Equal(t, c.Path(src), got)
	assert.True(t, c.Exists(src))
	assert.FileExists(t, filepath.Join(got, "model_index.json"))
	assert.Equal(t, int32(1), conv.calls.Load())

	// A finished conversion is reused.
	got2, err := c.Ensure(ctx, src, cfg, class)
	assert.NoError(t, err)
	assert.Equal(t, got, got2)
	assert.Equal(t, int32(1), conv.calls.Load())

	// No temporary directories are left behind.
	entries, err := os.ReadDir(filepath.Join(dir, ".cache"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.NoError(t, c.Remove(src))
	assert.False(t, c.Exists(src))
	assert.NoDirExists(t, got)
	assert.NoError(t, c.Remove(src))
}

func TestEnsureConcurrent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "demo.ckpt")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0644))

	conv := &fakeConverter{}
	c := New(filepath.Join(dir, ".cache"), conv, metrics.Noop{}, test.NewTestLogger(t))
	class := models.MustClassFor(modelkind.StableDiffusion1, modelkind.Vae)
	cfg := &models.Config{Path: src, Format: models.FormatCheckpoint}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Ensure(context.Background(), src, cfg, class)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), conv.calls.Load())
}

func TestEnsureFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "demo.ckpt")
	conv := &fakeConverter{err: errors.New("boom")}
	c := New(filepath.Join(dir, ".cache"), conv, metrics.Noop{}, test.NewTestLogger(t))
	class := models.MustClassFor(modelkind.StableDiffusion1, modelkind.Main)

	_, err := c.Ensure(context.Background(), src, &models.Config{Path: src, Format: models.FormatCheckpoint}, class)
	assert.ErrorIs(t, err, errdefs.ErrConversionFailed)
	assert.False(t, c.Exists(src))
	assert.NoDirExists(t, c.Path(src))
}

func TestPath(t *testing.T) {
	c := New("/cache", &fakeConverter{}, metrics.Noop{}, test.NewTestLogger(t))
	assert.Equal(t, c.Path("/models/a.ckpt"), c.Path("/models/a.ckpt"))
	assert.NotEqual(t, c.Path("/models/a.ckpt"), c.Path("/models/b.ckpt"))
	assert.Equal(t, "/cache", filepath.Dir(c.Path("/models/a.ckpt")))
	assert.Len(t, filepath.Base(c.Path("/models/a.ckpt")), 32)
}

func TestMove(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "demo.ckpt")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0644))
	c := New(filepath.Join(dir, ".cache"), &fakeConverter{}, metrics.Noop{}, test.NewTestLogger(t))
	class := models.MustClassFor(modelkind.StableDiffusion1, modelkind.Main)

	dst := filepath.Join(dir, "models", "sd-1", "main", "demo")
	assert.Error(t, c.Move(src, dst))

	_, err := c.Ensure(context.Background(), src, &models.Config{Path: src, Format: models.FormatCheckpoint}, class)
	require.NoError(t, err)
	require.NoError(t, c.Move(src, dst))
	assert.FileExists(t, filepath.Join(dst, "model_index.json"))
	assert.NoFileExists(t, filepath.Join(dst, completedFile))
	assert.False(t, c.Exists(src))
}

func TestBundleConverter(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "demo.safetensors")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0644))

	c := New(filepath.Join(dir, ".cache"), BundleConverter{}, metrics.Noop{}, test.NewTestLogger(t))
	class := models.MustClassFor(modelkind.StableDiffusion2, modelkind.Main)
	cfg := &models.Config{
		Path:           src,
		Format:         models.FormatCheckpoint,
		Variant:        models.VariantInpaint,
		PredictionType: models.PredictionV,
	}
	got, err := c.Ensure(context.Background(), src, cfg, class)
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(got, "unet", "diffusion_pytorch_model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(b))

	// The bundle is recognized as the same model.
	r, err := probe.New().Classify(got)
	require.NoError(t, err)
	assert.Equal(t, modelkind.StableDiffusion2, r.Base)
	assert.Equal(t, modelkind.Main, r.Type)
	assert.Equal(t, models.FormatDiffusers, r.Config.Format)
	assert.Equal(t, models.VariantInpaint, r.Config.Variant)
	assert.Equal(t, models.PredictionV, r.Config.PredictionType)

	vae := filepath.Join(dir, "vae.ckpt")
	require.NoError(t, os.WriteFile(vae, []byte("weights"), 0644))
	got, err = c.Ensure(context.Background(), vae, &models.Config{Path: vae, Format: models.FormatCheckpoint}, models.MustClassFor(modelkind.StableDiffusion1, modelkind.Vae))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(got, "diffusion_pytorch_model.bin"))
	r, err = probe.New().Classify(got)
	require.NoError(t, err)
	assert.Equal(t, modelkind.Vae, r.Type)
}
