// Package cachedstore provides a read-through memory layer in front of a
// persistent Store.
package cachedstore

import "github.com/discochess/shellcache/internal/snapshot"

// Backend defines the interface for cache storage backends.
// Implementations handle storage and the eviction strategy.
type Backend interface {
	// Get retrieves a cached response. Returns nil, false if not found.
	Get(key string) (*snapshot.Response, bool)

	// Set stores a response in the cache.
	Set(key string, resp *snapshot.Response)

	// Remove drops a single key.
	Remove(key string)

	// RemovePrefix drops every key starting with prefix.
	RemovePrefix(prefix string)

	// Stats returns cache statistics.
	Stats() Stats
}

// Stats contains cache statistics.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int // Current number of entries
}

// HitRate returns the cache hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
