package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache memoizes idempotent lookups for the lifetime of one run.
// Concurrent callers for the same key share a single computation; the
// first completed value wins and is served to everyone after it.
type Cache struct {
	ctx    context.Context
	cancel context.CancelFunc
	ttl    time.Duration
	now    func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]cacheEntry
	closed  bool

	hits     atomic.Int64
	misses   atomic.Int64
	computes atomic.Int64
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// CacheStats is a snapshot of cache effectiveness for one run.
type CacheStats struct {
	Entries  int   `json:"entries"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Computes int64 `json:"computes"`
}

// NewCache returns a cache bound to the run context. Computations run on a
// child of parent so they die with the run. ttl <= 0 keeps entries until Close.
func NewCache(parent context.Context, ttl time.Duration) *Cache {
	ctx, cancel := context.WithCancel(parent)
	return &Cache{
		ctx:     ctx,
		cancel:  cancel,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// CacheKey builds a key from a service name and a query, normalizing case
// and whitespace so trivially different spellings share an entry.
func CacheKey(service, query string) string {
	return service + "|" + strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// GetOrCompute returns the cached value for key or runs fn once to produce it.
// ctx only bounds how long this caller waits; fn receives the cache's run context.
// Errors are returned to every waiter but never stored.
func (c *Cache) GetOrCompute(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	if v, ok, err := c.lookup(key); err != nil || ok {
		return v, err
	}
	c.misses.Add(1)

	ch := c.group.DoChan(key, func() (any, error) {
		// A flight that finished between lookup and DoChan already stored the value.
		if v, ok, err := c.lookup(key); err != nil || ok {
			return v, err
		}
		c.computes.Add(1)
		v, err := computeSafely(c.ctx, fn)
		if err != nil {
			return nil, err
		}
		c.store(key, v)
		return v, nil
	})

	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// computeSafely runs fn, turning a panic into an error. singleflight re-panics on
// its own goroutine, where nothing could recover it.
func computeSafely(ctx context.Context, fn func(context.Context) (any, error)) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			v, err = nil, panicked(p)
		}
	}()
	return fn(ctx)
}

func (c *Cache) lookup(key string) (any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrCacheClosed
	}
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	c.hits.Add(1)
	return e.value, true, nil
}

func (c *Cache) store(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, exists := c.entries[key]; exists {
		return
	}
	e := cacheEntry{value: v}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.entries[key] = e
}

// Close cancels in-flight computations and drops every entry.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.entries = nil
	c.cancel()
}

// Stats returns counters accumulated since the cache was created.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return CacheStats{
		Entries:  n,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Computes: c.computes.Load(),
	}
}

// Cached is the typed form of GetOrCompute.
func Cached[T any](ctx context.Context, c *Cache, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if c == nil {
		return fn(ctx)
	}
	v, err := c.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("pipeline: cache entry %q holds %T", key, v)
	}
	return t, nil
}
