// Package lru implements an LRU cache eviction strategy.
package lru

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/store/cachedstore/cachestrategy"
)

// Compile-time check that Strategy implements cachestrategy.Strategy.
var _ cachestrategy.Strategy = (*Strategy)(nil)

// Strategy implements LRU eviction.
type Strategy struct {
	cache *lru.Cache[string, *snapshot.Response]
}

// New creates a new LRU strategy with the given capacity.
func New(capacity int) (*Strategy, error) {
	c, err := lru.New[string, *snapshot.Response](capacity)
	if err != nil {
		return nil, err
	}
	return &Strategy{cache: c}, nil
}

// Get retrieves a value and marks it recently used.
func (s *Strategy) Get(key string) (*snapshot.Response, bool) {
	return s.cache.Get(key)
}

// Add adds a value, reporting whether an eviction occurred.
func (s *Strategy) Add(key string, value *snapshot.Response) bool {
	return s.cache.Add(key, value)
}

// Remove drops key.
func (s *Strategy) Remove(key string) bool {
	return s.cache.Remove(key)
}

// Keys returns keys from oldest to newest.
func (s *Strategy) Keys() []string {
	return s.cache.Keys()
}

// Len returns the number of items in the cache.
func (s *Strategy) Len() int {
	return s.cache.Len()
}
