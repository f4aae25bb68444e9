// Package memory implements an in-memory cache backend.
package memory

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/stats"
	"github.com/discochess/shellcache/internal/store/cachedstore"
	"github.com/discochess/shellcache/internal/store/cachedstore/cachestrategy"
)

// Compile-time check that Backend implements cachedstore.Backend.
var _ cachedstore.Backend = (*Backend)(nil)

// Backend is a thread-safe in-memory cache backend.
type Backend struct {
	// mu guards strategies that are not safe for concurrent use, and
	// keeps RemovePrefix atomic with respect to Set.
	mu        sync.Mutex
	strategy  cachestrategy.Strategy
	collector stats.Collector

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a new memory backend with the given eviction strategy.
// The collector is optional; if nil, a no-op collector is used.
func New(strategy cachestrategy.Strategy, collector stats.Collector) *Backend {
	if collector == nil {
		collector = stats.NewNoop()
	}
	return &Backend{
		strategy:  strategy,
		collector: collector,
	}
}

// Get retrieves a response from the cache.
func (b *Backend) Get(key string) (*snapshot.Response, bool) {
	b.mu.Lock()
	val, ok := b.strategy.Get(key)
	b.mu.Unlock()

	if ok {
		b.hits.Add(1)
		b.collector.IncCounter(stats.MetricCacheHits, 1)
		return val, true
	}
	b.misses.Add(1)
	b.collector.IncCounter(stats.MetricCacheMisses, 1)
	return nil, false
}

// Set stores a response in the cache.
func (b *Backend) Set(key string, resp *snapshot.Response) {
	b.mu.Lock()
	b.strategy.Add(key, resp)
	n := b.strategy.Len()
	b.mu.Unlock()
	b.collector.SetGauge(stats.MetricCacheSize, int64(n))
}

// Remove drops key from the cache.
func (b *Backend) Remove(key string) {
	b.mu.Lock()
	b.strategy.Remove(key)
	n := b.strategy.Len()
	b.mu.Unlock()
	b.collector.SetGauge(stats.MetricCacheSize, int64(n))
}

// RemovePrefix drops every key that starts with prefix.
func (b *Backend) RemovePrefix(prefix string) {
	b.mu.Lock()
	for _, k := range b.strategy.Keys() {
		if strings.HasPrefix(k, prefix) {
			b.strategy.Remove(k)
		}
	}
	n := b.strategy.Len()
	b.mu.Unlock()
	b.collector.SetGauge(stats.MetricCacheSize, int64(n))
}

// Stats returns current cache statistics.
func (b *Backend) Stats() cachedstore.Stats {
	return cachedstore.Stats{
		Hits:   b.hits.Load(),
		Misses: b.misses.Load(),
		Size:   b.Len(),
	}
}

// Len returns the number of items in the cache.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategy.Len()
}
