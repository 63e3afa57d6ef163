package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/errdefs"
	"github.com/llmariner/model-registry/registry/internal/modelkey"
	"github.com/llmariner/model-registry/registry/internal/models"
	"github.com/llmariner/model-registry/registry/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "configs", "models.yaml")

	entries := []registry.Entry{
		{
			Key: modelkey.New("zeta", modelkind.StableDiffusion1, modelkind.Main),
			Config: &models.Config{
				Path:        "models/sd-1/main/zeta.safetensors",
				Format:      models.FormatCheckpoint,
				Description: "last but listed first",
				Variant:     models.VariantNormal,
				Error:       models.ErrorNotFound,
			},
		},
		{
			Key:    modelkey.New("scan-only", modelkind.StableDiffusion1, modelkind.Lora),
			Config: &models.Config{Path: "models/sd-1/lora/scan-only.safetensors", Format: models.FormatLycoris},
		},
		{
			Key: modelkey.New("alpha", modelkind.StableDiffusion2, modelkind.Main),
			Config: &models.Config{
				Path:           "models/sd-2/main/alpha",
				Format:         models.FormatDiffusers,
				PredictionType: models.PredictionV,
				SubModels:      map[modelkind.SubModel]string{modelkind.VaeSubModel: "models/sd-2/vae/better"},
			},
		},
	}
	err := Flush(path, Metadata{Version: Version}, entries)
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(b)
	assert.True(t, strings.HasPrefix(content, preamble))
	assert.Contains(t, content, "__metadata__:\n  version: 3.0.0\n")
	assert.NotContains(t, content, "scan-only")
	assert.NotContains(t, content, "not_found")
	assert.Less(t, strings.Index(content, "sd-1/main/zeta"), strings.Index(content, "sd-2/main/alpha"))

	// No temporary files are left behind.
	files, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Version, f.Metadata.Version)

	want := []registry.Entry{entries[0], entries[2]}
	want[0].Config = want[0].Config.Clone()
	want[0].Config.Error = models.ErrorNone
	if diff := cmp.Diff(want, f.Entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	tcs := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{
			name: "valid",
			content: `
__metadata__:
  version: 3.0.0
sd-1/main/demo:
  path: models/sd-1/main/demo
  format: diffusers
sd-1/vae/demo:
  path: models/sd-1/vae/demo.ckpt
  format: checkpoint
`,
			want: 2,
		},
		{
			name:    "empty",
			content: "",
		},
		{
			name: "malformed key",
			content: `
sd-1/demo:
  path: demo
  format: diffusers
`,
			wantErr: true,
		},
		{
			name:    "not a mapping",
			content: "- a\n- b\n",
			wantErr: true,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "models.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0644))
			f, err := Load(path)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Len(t, f.Entries, tc.want)
		})
	}
}

func TestLoadMissing(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NoError(t, err)
	assert.Equal(t, Version, f.Metadata.Version)
	assert.Empty(t, f.Entries)
}

func TestFlushErrors(t *testing.T) {
	err := Flush("", Metadata{Version: Version}, nil)
	assert.ErrorIs(t, err, errdefs.ErrNoConfigPath)

	// The parent of the target is a regular file.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	err = Flush(filepath.Join(blocker, "models.yaml"), Metadata{Version: Version}, nil)
	assert.ErrorIs(t, err, errdefs.ErrPersistenceWriteFailed)
}
