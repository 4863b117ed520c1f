package scopez

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
)

// Observability constants for Cache.
const (
	CacheHitsTotal   = metricz.Key("cache.hits.total")
	CacheMissesTotal = metricz.Key("cache.misses.total")
	CacheEntries     = metricz.Key("cache.entries")
)

// KeyFunc derives a cache key from an operation. ok is false for operations
// that must not be cached.
type KeyFunc func(Operation) (key string, ok bool)

// DefaultKey keys an operation by its name and the printed form of its
// arguments. Credentials are not part of the key.
func DefaultKey(op Operation) (string, bool) {
	var b strings.Builder
	b.WriteString(op.Name)
	for _, arg := range op.Args {
		b.WriteByte('\x00')
		fmt.Fprintf(&b, "%T:%v", arg, arg)
	}
	return b.String(), true
}

type cacheEntry struct {
	expires time.Time
	payload any
}

// Cache short-circuits operations whose successful result is still fresh.
// Only successes are cached; failures always travel through. A hit returns
// the stored payload with Result.Cached set and never reaches next.
//
// CRITICAL: Cache is a STATEFUL stage. Share one instance; entries live as
// long as the instance does.
//
// Example:
//
//	lookups := scopez.NewCache("lookups", 30*time.Second)
type Cache struct {
	clock   clockz.Clock
	keyFn   KeyFunc
	entries map[string]cacheEntry
	metrics *metricz.Registry
	name    Name
	ttl     time.Duration
	mu      sync.Mutex
}

// NewCache creates a Cache stage holding results for ttl.
func NewCache(name Name, ttl time.Duration) *Cache {
	metrics := metricz.New()
	metrics.Counter(CacheHitsTotal)
	metrics.Counter(CacheMissesTotal)
	metrics.Gauge(CacheEntries)

	return &Cache{
		name:    name,
		ttl:     ttl,
		keyFn:   DefaultKey,
		entries: make(map[string]cacheEntry),
		metrics: metrics,
	}
}

// Handle implements Stage.
func (c *Cache) Handle(ctx context.Context, op Operation, next Next) (Result, error) {
	key, ok := c.keyFn(op)
	if !ok || c.ttl <= 0 {
		return next(ctx, op)
	}

	now := c.getClock().Now()
	c.mu.Lock()
	entry, hit := c.entries[key]
	if hit && now.Before(entry.expires) {
		c.mu.Unlock()
		c.metrics.Counter(CacheHitsTotal).Inc()
		return Result{Payload: entry.payload, Cached: true}, nil
	}
	if hit {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	c.metrics.Counter(CacheMissesTotal).Inc()

	result, err := next(ctx, op)
	if err != nil {
		return result, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{payload: result.Payload, expires: c.getClock().Now().Add(c.ttl)}
	c.metrics.Gauge(CacheEntries).Set(float64(len(c.entries)))
	c.mu.Unlock()
	return result, nil
}

// WithKey replaces the key function.
func (c *Cache) WithKey(fn KeyFunc) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn != nil {
		c.keyFn = fn
	}
	return c
}

// Invalidate drops every cached entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.metrics.Gauge(CacheEntries).Set(0)
}

// Len returns the number of stored entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Name returns the name of this stage.
func (c *Cache) Name() Name {
	return c.name
}

// Metrics returns the metrics registry for this stage.
func (c *Cache) Metrics() *metricz.Registry {
	return c.metrics
}

// WithClock sets a custom clock for testing.
func (c *Cache) WithClock(clock clockz.Clock) *Cache {
	c.clock = clock
	return c
}

func (c *Cache) getClock() clockz.Clock {
	if c.clock == nil {
		return clockz.RealClock
	}
	return c.clock
}
