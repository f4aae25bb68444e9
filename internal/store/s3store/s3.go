// Package s3store implements an AWS S3 storage backend.
//
// It uses the same object layout as gcsstore, so a bucket can be mirrored
// between providers.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/discochess/shellcache/internal/codec"
	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/store"
)

// Compile-time checks.
var (
	_ store.Store   = (*Store)(nil)
	_ store.Counter = (*Store)(nil)
)

const markerName = ".generation"

// deleteBatch is the maximum number of keys per DeleteObjects call.
const deleteBatch = 1000

// API is the subset of the S3 client used by Store.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Store is an AWS S3 storage backend.
type Store struct {
	client API
	bucket string
	prefix string
	codec  codec.Codec
}

// New creates a new S3 store.
// The bucket must already exist.
// The codec handles compression/decompression.
func New(ctx context.Context, bucketName string, c codec.Codec, opts ...Option) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	s := &Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucketName,
		codec:  c,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// NewWithClient creates a store over an existing client.
func NewWithClient(client API, bucketName string, c codec.Codec, opts ...Option) (*Store, error) {
	s := &Store{client: client, bucket: bucketName, codec: c}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Option configures a Store.
type Option func(*Store) error

// WithPrefix sets a key prefix for all operations.
func WithPrefix(prefix string) Option {
	return func(s *Store) error {
		s.prefix = strings.TrimSuffix(prefix, "/")
		if s.prefix != "" {
			s.prefix += "/"
		}
		return nil
	}
}

// WithRegion sets the AWS region.
func WithRegion(region string) Option {
	return func(s *Store) error {
		cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
		if err != nil {
			return fmt.Errorf("loading AWS config with region: %w", err)
		}
		s.client = s3.NewFromConfig(cfg)
		return nil
	}
}

// WithEndpoint sets a custom endpoint (for S3-compatible services like MinIO).
func WithEndpoint(endpoint string) Option {
	return func(s *Store) error {
		cfg, err := config.LoadDefaultConfig(context.Background())
		if err != nil {
			return fmt.Errorf("loading AWS config for endpoint: %w", err)
		}
		s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
		return nil
	}
}

// Open writes the generation marker.
func (s *Store) Open(ctx context.Context, tag string) error {
	if err := store.ValidateTag(tag); err != nil {
		return err
	}
	if err := s.put(ctx, s.generationPrefix(tag)+markerName, nil); err != nil {
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

	if err := s.put(ctx, s.entryKey(tag, key), compressed); err != nil {
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

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.entryKey(tag, key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("reading entry: %w", err)
	}
	defer result.Body.Close()

	data, err := codec.Decompress(s.codec, result.Body)
	if err != nil {
		return nil, err
	}
	return store.DecodeEntry(key, data)
}

// Tags lists generation common prefixes.
func (s *Store) Tags(ctx context.Context) ([]string, error) {
	root := s.prefix + "generations/"
	_, prefixes, err := s.list(ctx, root, "/")
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

// Delete removes every object in the generation in batches.
func (s *Store) Delete(ctx context.Context, tag string) error {
	if store.ValidateTag(tag) != nil {
		return nil
	}
	keys, _, err := s.list(ctx, s.generationPrefix(tag), "")
	if err != nil {
		return fmt.Errorf("listing generation %q: %w", tag, err)
	}

	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("deleting generation %q: %w", tag, err)
		}
		if out != nil && len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("deleting %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}

// Count returns the number of entries in a generation.
func (s *Store) Count(ctx context.Context, tag string) (int, error) {
	keys, _, err := s.list(ctx, s.generationPrefix(tag), "")
	if err != nil {
		return 0, fmt.Errorf("listing generation %q: %w", tag, err)
	}
	var n int
	for _, k := range keys {
		if !strings.HasSuffix(k, "/"+markerName) {
			n++
		}
	}
	return n, nil
}

// Close releases resources.
func (s *Store) Close() error {
	// S3 client doesn't need explicit closing.
	return nil
}

func (s *Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	return err
}

// list pages through ListObjectsV2 and returns object keys and common prefixes.
func (s *Store) list(ctx context.Context, prefix, delimiter string) ([]string, []string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}

	var keys, prefixes []string
	p := s3.NewListObjectsV2Paginator(s.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		for _, cp := range page.CommonPrefixes {
			prefixes = append(prefixes, aws.ToString(cp.Prefix))
		}
	}
	return keys, prefixes, nil
}

// generationPrefix returns the object prefix for a generation.
func (s *Store) generationPrefix(tag string) string {
	return s.prefix + "generations/" + store.EscapeTag(tag) + "/"
}

// entryKey returns the full object key for an entry.
func (s *Store) entryKey(tag string, key snapshot.Key) string {
	name := key.Hash()
	if ext := s.codec.Extension(); ext != "" {
		name += "." + ext
	}
	return s.generationPrefix(tag) + name
}
