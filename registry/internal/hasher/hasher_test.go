package hasher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/llmariner/model-registry/common/pkg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "model")
	write := func(rel, content string) {
		p := filepath.Join(model, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	write("model_index.json", "{}")
	write("unet/weights.bin", "abc")

	ctx := context.Background()
	h := New(true, time.Minute, test.NewTestLogger(t))

	h1, err := h.Hash(ctx, model)
	require.NoError(t, err)
	assert.Len(t, h1, 64)

	h2, err := h.Hash(ctx, model)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Changing the content changes the hash.
	write("unet/weights.bin", "abcd")
	h3, err := h.Hash(ctx, model)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	// A copy elsewhere has the same hash.
	other := filepath.Join(dir, "copy")
	require.NoError(t, os.MkdirAll(filepath.Join(other, "unet"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(other, "model_index.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(other, "unet", "weights.bin"), []byte("abcd"), 0644))
	h4, err := h.Hash(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, h3, h4)

	_, err = h.Hash(ctx, filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.safetensors")
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0644))

	h := New(true, time.Minute, test.NewTestLogger(t))
	s, err := h.Hash(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, s, 64)
}

func TestDisabled(t *testing.T) {
	h := New(false, time.Minute, test.NewTestLogger(t))
	s, err := h.Hash(context.Background(), "/does/not/exist")
	assert.NoError(t, err)
	assert.Empty(t, s)
}
