// Package cache provides the bounded TTL caches that sit in front of the
// weather provider and vector-store nearest-neighbor reads. Entries expire on
// a per-cache TTL and the least recently used entry is evicted when the cache
// is full.
package cache

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Default TTLs per cached concern.
const (
	TTLCurrentWeather  = 10 * time.Minute
	TTLForecastWeather = time.Hour
	TTLNearest         = 5 * time.Minute

	// DefaultSize bounds each cache when the caller passes zero.
	DefaultSize = 1024
)

type (
	// Cache is a bounded LRU with per-entry TTL, keyed by string. Safe for
	// concurrent use.
	Cache[V any] struct {
		name   string
		lru    *lru.LRU[string, V]
		hits   atomic.Uint64
		misses atomic.Uint64
	}

	// Stats is a point-in-time view of cache effectiveness.
	Stats struct {
		Name   string
		Hits   uint64
		Misses uint64
		Len    int
	}
)

// New returns a named cache holding at most size entries, each expiring ttl
// after insertion. A non-positive size falls back to DefaultSize.
func New[V any](name string, size int, ttl time.Duration) *Cache[V] {
	if size <= 0 {
		size = DefaultSize
	}
	return &Cache[V]{
		name: name,
		lru:  lru.NewLRU[string, V](size, nil, ttl),
	}
}

// Get returns the cached value for key and whether it was present and fresh.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Put inserts or refreshes the value for key.
func (c *Cache[V]) Put(key string, v V) {
	c.lru.Add(key, v)
}

// Do returns the cached value for key, calling load on a miss and caching a
// successful result. Load errors are returned uncached so the next caller
// retries.
func (c *Cache[V]) Do(key string, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Put(key, v)
	return v, nil
}

// Remove drops the entry for key if present.
func (c *Cache[V]) Remove(key string) {
	c.lru.Remove(key)
}

// Stats returns the cache counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Name:   c.name,
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Len:    c.lru.Len(),
	}
}

// Key joins parts into a cache key. Coordinates are rounded to four decimal
// places (~11 m) so nearby lookups share entries.
func Key(parts ...any) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('/')
		}
		switch v := p.(type) {
		case float64:
			fmt.Fprintf(&b, "%.4f", v)
		case time.Time:
			b.WriteString(v.UTC().Format("2006-01-02T15"))
		default:
			fmt.Fprintf(&b, "%v", v)
		}
	}
	return b.String()
}
