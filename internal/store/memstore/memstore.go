// Package memstore provides an in-memory store implementation.
// Contents are lost when the process exits.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/store"
)

// Compile-time checks.
var (
	_ store.Store   = (*Store)(nil)
	_ store.Counter = (*Store)(nil)
)

// Store is an in-memory store.
type Store struct {
	mu          sync.RWMutex
	generations map[string]map[snapshot.Key]*snapshot.Response
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		generations: make(map[string]map[snapshot.Key]*snapshot.Response),
	}
}

// Open creates the generation if it does not exist.
func (s *Store) Open(ctx context.Context, tag string) error {
	if err := store.ValidateTag(tag); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openLocked(tag)
	return nil
}

func (s *Store) openLocked(tag string) map[snapshot.Key]*snapshot.Response {
	gen, ok := s.generations[tag]
	if !ok {
		gen = make(map[snapshot.Key]*snapshot.Response)
		s.generations[tag] = gen
	}
	return gen
}

// Put stores a copy of resp so later caller mutations do not leak in.
func (s *Store) Put(ctx context.Context, tag string, key snapshot.Key, resp *snapshot.Response) error {
	if err := store.ValidateTag(tag); err != nil {
		return err
	}
	copied := resp.Clone()
	copied.Source = ""
	if copied.StoredAt.IsZero() {
		copied.StoredAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.openLocked(tag)[key] = copied
	return nil
}

// Match returns a copy of the entry for key.
func (s *Store) Match(ctx context.Context, tag string, key snapshot.Key) (*snapshot.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp, ok := s.generations[tag][key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return resp.Clone().WithSource(snapshot.SourceCache), nil
}

// Tags lists generations in sorted order.
func (s *Store) Tags(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tags := make([]string, 0, len(s.generations))
	for tag := range s.generations {
		tags = append(tags, tag)
	}
	return store.SortTags(tags), nil
}

// Delete removes a generation.
func (s *Store) Delete(ctx context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.generations, tag)
	return nil
}

// Count returns the number of entries in a generation.
func (s *Store) Count(ctx context.Context, tag string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.generations[tag]), nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}
