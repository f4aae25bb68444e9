package cachedstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/store"
)

// Compile-time checks.
var (
	_ store.Store   = (*Store)(nil)
	_ store.Counter = (*Store)(nil)
)

// Store wraps another Store with caching. Writes go straight to the
// underlying store and invalidate the cached copy.
type Store struct {
	underlying store.Store
	backend    Backend

	// writes counts completed writes. A read only fills the cache if no
	// write finished while it was reading the underlying store.
	mu     sync.Mutex
	writes uint64
}

// New creates a new cached store wrapping the given store.
func New(underlying store.Store, backend Backend) *Store {
	return &Store{
		underlying: underlying,
		backend:    backend,
	}
}

// Open opens the generation in the underlying store.
func (s *Store) Open(ctx context.Context, tag string) error {
	return s.underlying.Open(ctx, tag)
}

// Put writes through and drops any cached copy of the entry.
func (s *Store) Put(ctx context.Context, tag string, key snapshot.Key, resp *snapshot.Response) error {
	err := s.underlying.Put(ctx, tag, key, resp)
	s.invalidate(func() { s.backend.Remove(cacheKey(tag, key)) })
	return err
}

// Match checks the cache first.
func (s *Store) Match(ctx context.Context, tag string, key snapshot.Key) (*snapshot.Response, error) {
	k := cacheKey(tag, key)
	if resp, ok := s.backend.Get(k); ok {
		return resp.Clone(), nil
	}

	s.mu.Lock()
	seen := s.writes
	s.mu.Unlock()

	// Cache miss - read from underlying store.
	resp, err := s.underlying.Match(ctx, tag, key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.writes == seen {
		s.backend.Set(k, resp.Clone())
	}
	s.mu.Unlock()
	return resp, nil
}

func (s *Store) invalidate(evict func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	evict()
}

// Tags lists generations of the underlying store.
func (s *Store) Tags(ctx context.Context) ([]string, error) {
	return s.underlying.Tags(ctx)
}

// Delete removes the generation and evicts its cached entries.
func (s *Store) Delete(ctx context.Context, tag string) error {
	err := s.underlying.Delete(ctx, tag)
	s.invalidate(func() { s.backend.RemovePrefix(tag + keySep) })
	return err
}

// Count delegates to the underlying store when it can count.
func (s *Store) Count(ctx context.Context, tag string) (int, error) {
	c, ok := s.underlying.(store.Counter)
	if !ok {
		return 0, fmt.Errorf("cachedstore: count: %w", errors.ErrUnsupported)
	}
	return c.Count(ctx, tag)
}

// Close closes the underlying store.
func (s *Store) Close() error {
	return s.underlying.Close()
}

// Stats returns cache statistics.
func (s *Store) Stats() Stats {
	return s.backend.Stats()
}

const keySep = "\x00"

func cacheKey(tag string, key snapshot.Key) string {
	return tag + keySep + key.String()
}
