package registry

import (
	"fmt"
	"sort"

	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/errdefs"
	"github.com/llmariner/model-registry/registry/internal/modelkey"
	"github.com/llmariner/model-registry/registry/internal/models"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/text/cases"
)

// Entry is a registered model.
type Entry struct {
	Key    modelkey.Key
	Config *models.Config
}

// Filter narrows a listing. Zero fields match everything.
type Filter struct {
	Base modelkind.Base
	Type modelkind.Type
	Name string
}

func (f Filter) match(k modelkey.Key) bool {
	return (f.Base == "" || f.Base == k.Base) &&
		(f.Type == "" || f.Type == k.Type) &&
		(f.Name == "" || f.Name == k.Name)
}

// Registry maps model keys to descriptors. It preserves insertion order.
//
// Registry is not safe for concurrent use.
type Registry struct {
	m *orderedmap.OrderedMap[modelkey.Key, *models.Config]
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		m: orderedmap.New[modelkey.Key, *models.Config](),
	}
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	return r.m.Len()
}

// Contains reports whether key is registered.
func (r *Registry) Contains(key modelkey.Key) bool {
	_, ok := r.m.Get(key)
	return ok
}

// Get returns a copy of the descriptor registered under key.
func (r *Registry) Get(key modelkey.Key) (*models.Config, bool) {
	c, ok := r.m.Get(key)
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Upsert registers cfg under key, replacing any existing descriptor.
func (r *Registry) Upsert(key modelkey.Key, cfg *models.Config) {
	r.m.Set(key, cfg.Clone())
}

// SetError updates the error state of a registered model.
func (r *Registry) SetError(key modelkey.Key, state models.ErrorState) bool {
	c, ok := r.m.Get(key)
	if !ok {
		return false
	}
	c.Error = state
	return true
}

// Remove unregisters key and returns the removed descriptor.
func (r *Registry) Remove(key modelkey.Key) (*models.Config, error) {
	c, ok := r.m.Delete(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrModelNotFound, key)
	}
	return c, nil
}

// Keys returns the registered keys in insertion order.
func (r *Registry) Keys() []modelkey.Key {
	keys := make([]modelkey.Key, 0, r.m.Len())
	for p := r.m.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Entries returns copies of all entries in insertion order.
func (r *Registry) Entries() []Entry {
	entries := make([]Entry, 0, r.m.Len())
	for p := r.m.Oldest(); p != nil; p = p.Next() {
		entries = append(entries, Entry{Key: p.Key, Config: p.Value.Clone()})
	}
	return entries
}

// List returns the entries that match the filter. Entries are sorted
// case-insensitively by key unless the filter names a single model.
func (r *Registry) List(f Filter) []Entry {
	var entries []Entry
	for _, e := range r.Entries() {
		if f.match(e.Key) {
			entries = append(entries, e)
		}
	}
	if f.Name != "" {
		return entries
	}
	fold := cases.Fold()
	sort.SliceStable(entries, func(i, j int) bool {
		return fold.String(entries[i].Key.String()) < fold.String(entries[j].Key.String())
	})
	return entries
}

// Paths returns the registered keys indexed by their resolved path.
func (r *Registry) Paths(resolve func(string) string) map[string]modelkey.Key {
	m := make(map[string]modelkey.Key, r.m.Len())
	for p := r.m.Oldest(); p != nil; p = p.Next() {
		m[resolve(p.Value.Path)] = p.Key
	}
	return m
}
