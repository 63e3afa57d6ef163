// Package objectcache keeps loaded models in memory.
//
// Entries are reference counted. An entry with outstanding leases is never
// evicted; entries without leases are evicted in least recently used order
// once the total size exceeds the budget.
package objectcache

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/models"
	"golang.org/x/sync/singleflight"
)

// Object is a loaded model.
type Object interface {
	// Size returns the memory footprint in bytes.
	Size() int64
}

// Request identifies the model to load.
type Request struct {
	Path     string
	Base     modelkind.Base
	Type     modelkind.Type
	SubModel modelkind.SubModel
	Class    models.Class
}

// Key returns the cache key of the request.
func (r Request) Key() string {
	return strings.Join([]string{r.Path, string(r.Base), string(r.Type), string(r.SubModel)}, "|")
}

// LoadOptions are passed through to the loader.
type LoadOptions struct {
	Precision string
	Device    string
}

type loader interface {
	Load(ctx context.Context, req Request, opts LoadOptions) (Object, error)
}

type metricsRecorder interface {
	CacheHit(modelType string)
	CacheMiss(modelType string)
	CacheEviction()
	SetCacheBytes(n int64)
}

// Options configures a Cache.
type Options struct {
	// MaxSize is the budget in bytes.
	MaxSize int64
	LoadOptions
}

type entry struct {
	key   string
	obj   Object
	size  int64
	refs  int
	stale bool
	// elem is the position in the LRU list. It is set only while refs is zero.
	elem    *list.Element
	pinned  bool
	dropped bool
}

// New returns a new Cache.
func New(opts Options, l loader, m metricsRecorder, logger logr.Logger) *Cache {
	return &Cache{
		opts:    opts,
		loader:  l,
		metrics: m,
		logger:  logger.WithName("objectcache"),
		entries: map[string]*entry{},
		lru:     list.New(),
	}
}

// Cache is a bounded, reference counted cache of loaded models. It is safe for concurrent use.
type Cache struct {
	opts    Options
	loader  loader
	metrics metricsRecorder
	logger  logr.Logger

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	// lru holds the entries without leases, most recently used first.
	lru  *list.List
	size int64
}

// Lease is a borrowed reference to a loaded model. It must be released.
type Lease struct {
	ID     string
	Key    string
	Object Object

	once    sync.Once
	release func()
}

// Release returns the lease to the cache. Calling Release more than once has no effect.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Acquire returns a lease on the model described by req, loading it if needed.
// Concurrent calls for the same key share a single load.
func (c *Cache) Acquire(ctx context.Context, req Request) (*Lease, error) {
	key := req.Key()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !e.stale {
		c.acquireLocked(e)
		c.mu.Unlock()
		c.metrics.CacheHit(string(req.Type))
		c.logger.V(1).Info("Object cache hit", "key", key)
		return c.newLease(e), nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.load(ctx, key, req)
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %s", req.Path, err)
	}
	e := v.(*entry)

	c.mu.Lock()
	target := e
	if cur, ok := c.entries[key]; ok && !cur.stale {
		target = cur
	}
	c.acquireLocked(target)
	if e.pinned {
		e.pinned = false
		c.releaseLocked(e)
	}
	c.mu.Unlock()

	c.metrics.CacheMiss(string(req.Type))
	return c.newLease(target), nil
}

func (c *Cache) load(ctx context.Context, key string, req Request) (*entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !e.stale {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	c.logger.Info("Loading model", "path", req.Path, "type", req.Type, "submodel", req.SubModel)
	obj, err := c.loader.Load(ctx, req, c.opts.LoadOptions)
	if err != nil {
		return nil, err
	}
	if obj.Size() > c.opts.MaxSize {
		c.logger.Info("Model is larger than the cache budget", "path", req.Path, "size", obj.Size(), "budget", c.opts.MaxSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(key, obj), nil
}

func (c *Cache) insertLocked(key string, obj Object) *entry {
	if old, ok := c.entries[key]; ok {
		// old is stale and still leased. It is dropped at its last release.
		delete(c.entries, key)
		if old.refs == 0 {
			c.dropLocked(old)
		}
	}
	// The new entry is pinned until the first caller takes its lease so that
	// it cannot be evicted in between.
	e := &entry{
		key:    key,
		obj:    obj,
		size:   obj.Size(),
		refs:   1,
		pinned: true,
	}
	c.entries[key] = e
	c.size += e.size
	c.evictLocked()
	c.metrics.SetCacheBytes(c.size)
	return e
}

func (c *Cache) newLease(e *entry) *Lease {
	return &Lease{
		ID:     uuid.NewString(),
		Key:    e.key,
		Object: e.obj,
		release: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.releaseLocked(e)
		},
	}
}

func (c *Cache) acquireLocked(e *entry) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	e.refs++
}

func (c *Cache) releaseLocked(e *entry) {
	e.refs--
	if e.refs > 0 {
		return
	}
	if e.stale || c.entries[e.key] != e {
		c.dropLocked(e)
		return
	}
	e.elem = c.lru.PushFront(e)
	c.evictLocked()
}

// evictLocked drops unleased entries until the cache fits its budget.
func (c *Cache) evictLocked() {
	for c.size > c.opts.MaxSize {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.logger.V(1).Info("Evicting model", "key", e.key, "size", e.size)
		c.dropLocked(e)
		c.metrics.CacheEviction()
	}
}

func (c *Cache) dropLocked(e *entry) {
	if e.dropped {
		return
	}
	e.dropped = true
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	c.size -= e.size
	c.metrics.SetCacheBytes(c.size)
}

// Uncache drops the entries with the given keys. Leased entries are marked
// stale and dropped when their last lease is released.
func (c *Cache) Uncache(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		e, ok := c.entries[k]
		if !ok {
			continue
		}
		if e.refs > 0 {
			e.stale = true
			continue
		}
		c.dropLocked(e)
	}
}

// Contains reports whether a usable entry for key is cached.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !e.stale
}

// Refs returns the number of outstanding leases on key.
func (c *Cache) Refs(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the total size of the loaded models, including stale ones still leased.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}
