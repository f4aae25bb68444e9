// Package redisstore implements a Redis storage backend.
//
// Each generation is a hash at <ns>:gen:<tag> keyed by "METHOD URL"; the set
// <ns>:generations holds the generation tags.
package redisstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/discochess/shellcache/internal/codec"
	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/store"
)

// Compile-time checks.
var (
	_ store.Store   = (*Store)(nil)
	_ store.Counter = (*Store)(nil)
)

// DefaultNamespace prefixes every key the store writes.
const DefaultNamespace = "shellcache"

// Store implements store.Store backed by Redis.
type Store struct {
	client    redis.UniversalClient
	namespace string
	codec     codec.Codec
}

// Option configures a Store.
type Option func(*Store)

// WithNamespace sets the key namespace.
func WithNamespace(ns string) Option {
	return func(s *Store) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// New connects to the Redis server at rawURL and pings it.
func New(rawURL string, c codec.Codec, opts ...Option) (*Store, error) {
	ropts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithClient(client, c, opts...), nil
}

// NewWithClient wraps an existing client. The store takes ownership of it.
func NewWithClient(client redis.UniversalClient, c codec.Codec, opts ...Option) *Store {
	s := &Store{client: client, namespace: DefaultNamespace, codec: c}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open adds the tag to the generation set.
func (s *Store) Open(ctx context.Context, tag string) error {
	if err := store.ValidateTag(tag); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, s.generationsKey(), tag).Err(); err != nil {
		return fmt.Errorf("redis sadd %q: %w", tag, err)
	}
	return nil
}

// Put writes the entry and registers the generation in one transaction.
func (s *Store) Put(ctx context.Context, tag string, key snapshot.Key, resp *snapshot.Response) error {
	if err := store.ValidateTag(tag); err != nil {
		return err
	}

	stored := resp.Clone()
	stored.StoredAt = time.Now().UTC()
	encoded, err := snapshot.Encode(stored)
	if err != nil {
		return err
	}
	data, err := codec.Compress(s.codec, encoded)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.generationsKey(), tag)
		pipe.HSet(ctx, s.generationKey(tag), key.String(), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %q: %w", key, err)
	}
	return nil
}

// Match retrieves the entry for key.
func (s *Store) Match(ctx context.Context, tag string, key snapshot.Key) (*snapshot.Response, error) {
	data, err := s.client.HGet(ctx, s.generationKey(tag), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("redis hget %q: %w", key, err)
	}

	decoded, err := codec.Decompress(s.codec, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return snapshot.Decode(decoded)
}

// Tags returns the members of the generation set.
func (s *Store) Tags(ctx context.Context) ([]string, error) {
	tags, err := s.client.SMembers(ctx, s.generationsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return store.SortTags(tags), nil
}

// Delete drops the generation hash and its set membership.
func (s *Store) Delete(ctx context.Context, tag string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.generationKey(tag))
		pipe.SRem(ctx, s.generationsKey(), tag)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %q: %w", tag, err)
	}
	return nil
}

// Count returns the hash length of the generation.
func (s *Store) Count(ctx context.Context, tag string) (int, error) {
	n, err := s.client.HLen(ctx, s.generationKey(tag)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hlen %q: %w", tag, err)
	}
	return int(n), nil
}

// Close terminates the underlying Redis client connections.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) generationsKey() string {
	return s.namespace + ":generations"
}

func (s *Store) generationKey(tag string) string {
	return s.namespace + ":gen:" + tag
}
