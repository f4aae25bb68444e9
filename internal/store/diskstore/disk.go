// Package diskstore implements a disk-based filesystem storage backend.
//
// Layout:
//
//	<root>/generations/<escaped tag>/<key hash>.<codec ext>
package diskstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/discochess/shellcache/internal/codec"
	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/store"
)

// Compile-time checks.
var (
	_ store.Store   = (*Store)(nil)
	_ store.Counter = (*Store)(nil)
)

const generationsDir = "generations"

// Store is a disk-based filesystem storage backend.
type Store struct {
	root  string
	codec codec.Codec
}

// New creates a new disk store rooted at the given directory.
// The directory must exist. The codec handles compression/decompression.
func New(root string, c codec.Codec) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	if err := os.MkdirAll(filepath.Join(root, generationsDir), 0755); err != nil {
		return nil, fmt.Errorf("creating generations directory: %w", err)
	}

	return &Store{
		root:  root,
		codec: c,
	}, nil
}

// Open creates the generation directory.
func (s *Store) Open(ctx context.Context, tag string) error {
	if err := store.ValidateTag(tag); err != nil {
		return err
	}
	if err := os.MkdirAll(s.generationPath(tag), 0755); err != nil {
		return fmt.Errorf("creating generation %q: %w", tag, err)
	}
	return nil
}

// Put writes the entry atomically: a temp file in the generation directory
// is renamed over the final name.
func (s *Store) Put(ctx context.Context, tag string, key snapshot.Key, resp *snapshot.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.Open(ctx, tag); err != nil {
		return err
	}

	encoded, err := snapshot.EncodeFor(key, resp)
	if err != nil {
		return err
	}
	compressed, err := codec.Compress(s.codec, encoded)
	if err != nil {
		return err
	}

	dir := s.generationPath(tag)
	tmp, err := os.CreateTemp(dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("creating temp entry: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		return fmt.Errorf("writing entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing entry: %w", err)
	}
	if err := os.Rename(tmpName, s.entryPath(tag, key)); err != nil {
		return fmt.Errorf("committing entry: %w", err)
	}
	return nil
}

// Match reads and decodes the entry for key.
func (s *Store) Match(ctx context.Context, tag string, key snapshot.Key) (*snapshot.Response, error) {
	// Check for cancellation before starting I/O.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if store.ValidateTag(tag) != nil {
		return nil, store.ErrNotFound
	}

	compressed, err := os.ReadFile(s.entryPath(tag, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("reading entry: %w", err)
	}

	data, err := codec.Decompress(s.codec, bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	return store.DecodeEntry(key, data)
}

// Tags lists generation directories.
func (s *Store) Tags(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, generationsDir))
	if err != nil {
		return nil, fmt.Errorf("reading generations directory: %w", err)
	}

	tags := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tag, err := store.UnescapeTag(entry.Name())
		if err != nil {
			continue
		}
		tags = append(tags, tag)
	}
	return store.SortTags(tags), nil
}

// Delete removes the generation directory.
func (s *Store) Delete(ctx context.Context, tag string) error {
	if store.ValidateTag(tag) != nil {
		return nil
	}
	if err := os.RemoveAll(s.generationPath(tag)); err != nil {
		return fmt.Errorf("deleting generation %q: %w", tag, err)
	}
	return nil
}

// Count returns the number of entries in a generation.
func (s *Store) Count(ctx context.Context, tag string) (int, error) {
	entries, err := os.ReadDir(s.generationPath(tag))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading generation %q: %w", tag, err)
	}

	var n int
	for _, entry := range entries {
		if !entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			n++
		}
	}
	return n, nil
}

// Close releases any resources held by the store.
func (s *Store) Close() error {
	return nil
}

// generationPath returns the directory for a generation.
func (s *Store) generationPath(tag string) string {
	return filepath.Join(s.root, generationsDir, store.EscapeTag(tag))
}

// entryPath returns the filesystem path for an entry.
func (s *Store) entryPath(tag string, key snapshot.Key) string {
	return filepath.Join(s.generationPath(tag), s.entryName(key))
}

// entryName returns the filename for a key.
func (s *Store) entryName(key snapshot.Key) string {
	name := key.Hash()
	if ext := s.codec.Extension(); ext != "" {
		name += "." + ext
	}
	return name
}
