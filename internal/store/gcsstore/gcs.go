// Package gcsstore implements a Google Cloud Storage backend.
//
// Layout:
//
//	<prefix>generations/<escaped tag>/.generation
//	<prefix>generations/<escaped tag>/<key hash>.<codec ext>
package gcsstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/discochess/shellcache/internal/codec"
	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/store"
)

// Compile-time checks.
var (
	_ store.Store   = (*Store)(nil)
	_ store.Counter = (*Store)(nil)
)

// markerName marks a generation that exists but may hold no entries yet.
const markerName = ".generation"

// bucket is the subset of bucket operations the store needs.
type bucket interface {
	read(ctx context.Context, name string) ([]byte, error)
	write(ctx context.Context, name string, data []byte) error
	// list returns object names under prefix. With a delimiter, names
	// below the next delimiter are collapsed into prefixes.
	list(ctx context.Context, prefix, delimiter string) (names, prefixes []string, err error)
	remove(ctx context.Context, name string) error
	close() error
}

// Store is a Google Cloud Storage backend.
type Store struct {
	bucket bucket
	prefix string
	codec  codec.Codec
}

// New creates a new GCS store.
// The bucket must already exist.
// The codec handles compression/decompression.
func New(ctx context.Context, bucketName string, c codec.Codec, opts ...Option) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	s := &Store{
		bucket: &gcsBucket{client: client, handle: client.Bucket(bucketName)},
		codec:  c,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets a key prefix for all operations.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = strings.TrimSuffix(prefix, "/")
		if s.prefix != "" {
			s.prefix += "/"
		}
	}
}

// Open writes the generation marker.
func (s *Store) Open(ctx context.Context, tag string) error {
	if err := store.ValidateTag(tag); err != nil {
		return err
	}
	if err := s.bucket.write(ctx, s.generationPrefix(tag)+markerName, nil); err != nil {
		return fmt.Errorf("opening generation %q: %w", tag, err)
	}
	return nil
}

// Put compresses and uploads the entry.
func (s *Store) Put(ctx context.Context, tag string, key snapshot.Key, resp *snapshot.Response) error {
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

	if err := s.bucket.write(ctx, s.entryKey(tag, key), compressed); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	return nil
}

// Match downloads and decodes the entry for key.
func (s *Store) Match(ctx context.Context, tag string, key snapshot.Key) (*snapshot.Response, error) {
	// Check for cancellation before starting.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if store.ValidateTag(tag) != nil {
		return nil, store.ErrNotFound
	}

	compressed, err := s.bucket.read(ctx, s.entryKey(tag, key))
	if err != nil {
		return nil, err
	}

	data, err := codec.Decompress(s.codec, bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	return store.DecodeEntry(key, data)
}

// Tags lists generation prefixes.
func (s *Store) Tags(ctx context.Context) ([]string, error) {
	root := s.prefix + "generations/"
	_, prefixes, err := s.bucket.list(ctx, root, "/")
	if err != nil {
		return nil, fmt.Errorf("listing generations: %w", err)
	}

	tags := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		tag, err := store.UnescapeTag(strings.TrimSuffix(strings.TrimPrefix(p, root), "/"))
		if err != nil {
			continue
		}
		tags = append(tags, tag)
	}
	return store.SortTags(tags), nil
}

// Delete removes every object in the generation, marker last.
func (s *Store) Delete(ctx context.Context, tag string) error {
	if store.ValidateTag(tag) != nil {
		return nil
	}
	names, _, err := s.bucket.list(ctx, s.generationPrefix(tag), "")
	if err != nil {
		return fmt.Errorf("listing generation %q: %w", tag, err)
	}

	marker := s.generationPrefix(tag) + markerName
	for _, name := range names {
		if name == marker {
			continue
		}
		if err := s.bucket.remove(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("deleting %s: %w", name, err)
		}
	}
	if err := s.bucket.remove(ctx, marker); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting %s: %w", marker, err)
	}
	return nil
}

// Count returns the number of entries in a generation.
func (s *Store) Count(ctx context.Context, tag string) (int, error) {
	names, _, err := s.bucket.list(ctx, s.generationPrefix(tag), "")
	if err != nil {
		return 0, fmt.Errorf("listing generation %q: %w", tag, err)
	}
	var n int
	for _, name := range names {
		if !strings.HasSuffix(name, "/"+markerName) {
			n++
		}
	}
	return n, nil
}

// Close releases resources.
func (s *Store) Close() error {
	return s.bucket.close()
}

// generationPrefix returns the object prefix for a generation.
func (s *Store) generationPrefix(tag string) string {
	return s.prefix + "generations/" + store.EscapeTag(tag) + "/"
}

// entryKey returns the full object key for an entry.
func (s *Store) entryKey(tag string, key snapshot.Key) string {
	return s.generationPrefix(tag) + s.entryName(key)
}

// entryName returns the object name for a key within its generation.
func (s *Store) entryName(key snapshot.Key) string {
	name := key.Hash()
	if ext := s.codec.Extension(); ext != "" {
		name += "." + ext
	}
	return name
}

// gcsBucket adapts a storage.BucketHandle to bucket.
type gcsBucket struct {
	client *storage.Client
	handle *storage.BucketHandle
}

func (b *gcsBucket) read(ctx context.Context, name string) ([]byte, error) {
	reader, err := b.handle.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("creating reader: %w", err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (b *gcsBucket) write(ctx context.Context, name string, data []byte) error {
	w := b.handle.Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (b *gcsBucket) list(ctx context.Context, prefix, delimiter string) ([]string, []string, error) {
	var names, prefixes []string
	it := b.handle.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: delimiter})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if attrs.Prefix != "" {
			prefixes = append(prefixes, attrs.Prefix)
			continue
		}
		names = append(names, attrs.Name)
	}
	return names, prefixes, nil
}

func (b *gcsBucket) remove(ctx context.Context, name string) error {
	err := b.handle.Object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return store.ErrNotFound
	}
	return err
}

func (b *gcsBucket) close() error {
	return b.client.Close()
}
