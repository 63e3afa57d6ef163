package registry

import (
	"strings"
	"testing"

	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/errdefs"
	"github.com/llmariner/model-registry/registry/internal/modelkey"
	"github.com/llmariner/model-registry/registry/internal/models"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestRegistry(t *testing.T) {
	r := New()
	k := modelkey.New("demo", modelkind.StableDiffusion1, modelkind.Main)
	assert.False(t, r.Contains(k))

	r.Upsert(k, &models.Config{Path: "models/sd-1/main/demo", Format: models.FormatDiffusers})
	assert.True(t, r.Contains(k))
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get(k)
	assert.True(t, ok)
	assert.Equal(t, "models/sd-1/main/demo", got.Path)

	// Mutating the returned copy does not change the registry.
	got.Path = "other"
	got, _ = r.Get(k)
	assert.Equal(t, "models/sd-1/main/demo", got.Path)

	assert.True(t, r.SetError(k, models.ErrorNotFound))
	got, _ = r.Get(k)
	assert.Equal(t, models.ErrorNotFound, got.Error)

	r.Upsert(k, &models.Config{Path: "models/sd-1/main/demo2", Format: models.FormatDiffusers})
	assert.Equal(t, 1, r.Len())

	removed, err := r.Remove(k)
	assert.NoError(t, err)
	assert.Equal(t, "models/sd-1/main/demo2", removed.Path)

	_, err = r.Remove(k)
	assert.ErrorIs(t, err, errdefs.ErrModelNotFound)
	assert.False(t, r.SetError(k, models.ErrorNotFound))
}

func TestList(t *testing.T) {
	r := New()
	add := func(name string, base modelkind.Base, typ modelkind.Type) {
		r.Upsert(modelkey.New(name, base, typ), &models.Config{Path: name})
	}
	add("zeta", modelkind.StableDiffusion1, modelkind.Main)
	add("Alpha", modelkind.StableDiffusion1, modelkind.Main)
	add("beta", modelkind.StableDiffusion1, modelkind.Main)
	add("alpha", modelkind.StableDiffusion2, modelkind.Lora)
	add("beta", modelkind.StableDiffusion1, modelkind.Lora)

	keys := func(es []Entry) []string {
		var ks []string
		for _, e := range es {
			ks = append(ks, e.Key.String())
		}
		return ks
	}

	tcs := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{
			name:   "all",
			filter: Filter{},
			want: []string{
				"sd-1/lora/beta",
				"sd-1/main/Alpha",
				"sd-1/main/beta",
				"sd-1/main/zeta",
				"sd-2/lora/alpha",
			},
		},
		{
			name:   "by type",
			filter: Filter{Type: modelkind.Lora},
			want:   []string{"sd-1/lora/beta", "sd-2/lora/alpha"},
		},
		{
			name:   "by base and type",
			filter: Filter{Base: modelkind.StableDiffusion1, Type: modelkind.Main},
			want:   []string{"sd-1/main/Alpha", "sd-1/main/beta", "sd-1/main/zeta"},
		},
		{
			name:   "by name keeps insertion order",
			filter: Filter{Name: "beta"},
			want:   []string{"sd-1/main/beta", "sd-1/lora/beta"},
		},
		{
			name:   "no match",
			filter: Filter{Name: "gamma"},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, keys(r.List(tc.filter)))
		})
	}

	assert.Equal(t, []string{
		"sd-1/main/zeta",
		"sd-1/main/Alpha",
		"sd-1/main/beta",
		"sd-2/lora/alpha",
		"sd-1/lora/beta",
	}, keys(r.Entries()))
}

func TestListSorted(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New()
		names := rapid.SliceOfDistinct(rapid.StringMatching(`[A-Za-z]{1,8}`), func(s string) string { return s }).Draw(t, "names")
		for _, n := range names {
			r.Upsert(modelkey.New(n, modelkind.StableDiffusion1, modelkind.Main), &models.Config{Path: n})
		}
		es := r.List(Filter{})
		if len(es) != len(names) {
			t.Fatalf("got %d entries, want %d", len(es), len(names))
		}
		for i := 1; i < len(es); i++ {
			a, b := strings.ToLower(es[i-1].Key.String()), strings.ToLower(es[i].Key.String())
			if a > b {
				t.Fatalf("entries out of order: %q > %q", a, b)
			}
		}
	})
}

func TestPaths(t *testing.T) {
	r := New()
	k := modelkey.New("demo", modelkind.StableDiffusion1, modelkind.Vae)
	r.Upsert(k, &models.Config{Path: "models/sd-1/vae/demo"})
	got := r.Paths(func(p string) string { return "/root/" + p })
	assert.Equal(t, map[string]modelkey.Key{"/root/models/sd-1/vae/demo": k}, got)
}
