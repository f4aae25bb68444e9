// Package store defines the cache store manager: named, versioned
// generations of request key to response snapshot entries.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/discochess/shellcache/internal/snapshot"
)

var (
	// ErrNotFound is returned by Match when a generation holds no entry for
	// the key, or the generation does not exist.
	ErrNotFound = errors.New("store: entry not found")

	// ErrInvalidTag is returned for an empty generation tag.
	ErrInvalidTag = errors.New("store: invalid generation tag")
)

// Store defines the interface for storage backends.
// Implementations must be safe for concurrent use. Writes to the same key
// are last-write-wins.
type Store interface {
	// Open creates the generation if it does not exist.
	Open(ctx context.Context, tag string) error

	// Put stores resp under key in the generation, creating the generation
	// if needed and overwriting any previous entry for key.
	Put(ctx context.Context, tag string, key snapshot.Key, resp *snapshot.Response) error

	// Match returns the entry for key, or ErrNotFound.
	Match(ctx context.Context, tag string, key snapshot.Key) (*snapshot.Response, error)

	// Tags lists the existing generations in sorted order.
	Tags(ctx context.Context) ([]string, error)

	// Delete removes a generation and all of its entries. Deleting a
	// generation that does not exist is not an error.
	Delete(ctx context.Context, tag string) error

	// Close releases any resources held by the store.
	Close() error
}

// Counter is implemented by stores that can report how many entries a
// generation holds.
type Counter interface {
	Count(ctx context.Context, tag string) (int, error)
}

// ValidateTag rejects tags that cannot name a generation.
func ValidateTag(tag string) error {
	if strings.TrimSpace(tag) == "" || tag == "." || tag == ".." {
		return ErrInvalidTag
	}
	return nil
}

// EscapeTag returns a form of tag that is safe as a single path segment.
func EscapeTag(tag string) string {
	return url.PathEscape(tag)
}

// UnescapeTag reverses EscapeTag.
func UnescapeTag(segment string) (string, error) {
	tag, err := url.PathUnescape(segment)
	if err != nil {
		return "", fmt.Errorf("unescaping tag %q: %w", segment, err)
	}
	return tag, nil
}

// SortTags sorts tags in place and returns them.
func SortTags(tags []string) []string {
	sort.Strings(tags)
	return tags
}

// DecodeEntry decodes an entry read from a hash-addressed backend. An entry
// written for another key is reported as ErrNotFound.
func DecodeEntry(key snapshot.Key, data []byte) (*snapshot.Response, error) {
	resp, err := snapshot.DecodeFor(key, data)
	if errors.Is(err, snapshot.ErrKeyMismatch) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return resp, err
}
