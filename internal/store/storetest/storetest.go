// Package storetest holds a conformance suite that every store backend runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"testing"

	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Response builds a small response for tests.
func Response(status int, body string) *snapshot.Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return &snapshot.Response{Status: status, Header: h, Body: []byte(body)}
}

// MustKey parses rawURL into a GET key or fails the test.
func MustKey(t *testing.T, rawURL string) snapshot.Key {
	t.Helper()
	k, err := snapshot.ParseKey(rawURL)
	if err != nil {
		t.Fatalf("ParseKey(%q) error = %v", rawURL, err)
	}
	return k
}

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"PutMatch", testPutMatch},
		{"MatchMissing", testMatchMissing},
		{"PutOverwrites", testPutOverwrites},
		{"PutIsIdempotent", testPutIsIdempotent},
		{"KeysAreMethodScoped", testKeysAreMethodScoped},
		{"OpenListsTag", testOpenListsTag},
		{"TagsSorted", testTagsSorted},
		{"DeleteRemovesEntries", testDeleteRemovesEntries},
		{"DeleteMissingIsNoop", testDeleteMissingIsNoop},
		{"InvalidTag", testInvalidTag},
		{"ConcurrentPuts", testConcurrentPuts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testPutMatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := MustKey(t, "https://tile.openstreetmap.org/5/10/12.png")
	want := Response(http.StatusOK, "tile bytes")
	want.Header.Set("X-Tile", "5/10/12")

	if err := s.Put(ctx, "v1", key, want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Match(ctx, "v1", key)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if got.Status != want.Status {
		t.Errorf("Status = %d, want %d", got.Status, want.Status)
	}
	if string(got.Body) != string(want.Body) {
		t.Errorf("Body = %q, want %q", got.Body, want.Body)
	}
	if got.Header.Get("X-Tile") != "5/10/12" {
		t.Errorf("Header X-Tile = %q, want %q", got.Header.Get("X-Tile"), "5/10/12")
	}
	if got.Source != snapshot.SourceCache {
		t.Errorf("Source = %q, want %q", got.Source, snapshot.SourceCache)
	}
}

func testMatchMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := MustKey(t, "https://example.com/app.js")

	if _, err := s.Match(ctx, "nope", key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Match() on missing generation error = %v, want ErrNotFound", err)
	}

	if err := s.Open(ctx, "v1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.Match(ctx, "v1", key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Match() on missing key error = %v, want ErrNotFound", err)
	}
}

func testPutOverwrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := MustKey(t, "https://example.com/")

	if err := s.Put(ctx, "v1", key, Response(http.StatusOK, "old")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, "v1", key, Response(http.StatusOK, "new")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Match(ctx, "v1", key)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if string(got.Body) != "new" {
		t.Errorf("Body = %q, want %q", got.Body, "new")
	}
}

func testPutIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := MustKey(t, "https://example.com/index.html")
	resp := Response(http.StatusOK, "<html></html>")

	for i := 0; i < 2; i++ {
		if err := s.Put(ctx, "v1", key, resp); err != nil {
			t.Fatalf("Put() #%d error = %v", i+1, err)
		}
	}

	c, ok := s.(store.Counter)
	if !ok {
		return
	}
	n, err := c.Count(ctx, "v1")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func testKeysAreMethodScoped(t *testing.T, s store.Store) {
	ctx := context.Background()
	get := MustKey(t, "https://example.com/api")
	head := get
	head.Method = http.MethodHead

	if err := s.Put(ctx, "v1", get, Response(http.StatusOK, "get")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := s.Match(ctx, "v1", head); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Match(HEAD) error = %v, want ErrNotFound", err)
	}
}

func testOpenListsTag(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.Open(ctx, "bus-tracker-v1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Open(ctx, "bus-tracker-v1"); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}

	tags, err := s.Tags(ctx)
	if err != nil {
		t.Fatalf("Tags() error = %v", err)
	}
	if want := []string{"bus-tracker-v1"}; !reflect.DeepEqual(tags, want) {
		t.Errorf("Tags() = %v, want %v", tags, want)
	}
}

func testTagsSorted(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, tag := range []string{"v3", "v1", "v2 beta/1"} {
		if err := s.Open(ctx, tag); err != nil {
			t.Fatalf("Open(%q) error = %v", tag, err)
		}
	}

	tags, err := s.Tags(ctx)
	if err != nil {
		t.Fatalf("Tags() error = %v", err)
	}
	if want := []string{"v1", "v2 beta/1", "v3"}; !reflect.DeepEqual(tags, want) {
		t.Errorf("Tags() = %v, want %v", tags, want)
	}
}

func testDeleteRemovesEntries(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := MustKey(t, "https://example.com/")

	for _, tag := range []string{"v1", "v2"} {
		if err := s.Put(ctx, tag, key, Response(http.StatusOK, tag)); err != nil {
			t.Fatalf("Put(%q) error = %v", tag, err)
		}
	}

	if err := s.Delete(ctx, "v1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	tags, err := s.Tags(ctx)
	if err != nil {
		t.Fatalf("Tags() error = %v", err)
	}
	if want := []string{"v2"}; !reflect.DeepEqual(tags, want) {
		t.Errorf("Tags() = %v, want %v", tags, want)
	}
	if _, err := s.Match(ctx, "v1", key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Match() after Delete error = %v, want ErrNotFound", err)
	}
	got, err := s.Match(ctx, "v2", key)
	if err != nil {
		t.Fatalf("Match(v2) error = %v", err)
	}
	if string(got.Body) != "v2" {
		t.Errorf("Body = %q, want %q", got.Body, "v2")
	}
}

func testDeleteMissingIsNoop(t *testing.T, s store.Store) {
	if err := s.Delete(context.Background(), "never-created"); err != nil {
		t.Errorf("Delete() of missing tag error = %v, want nil", err)
	}
}

func testInvalidTag(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.Open(ctx, ""); !errors.Is(err, store.ErrInvalidTag) {
		t.Errorf("Open(\"\") error = %v, want ErrInvalidTag", err)
	}
	if err := s.Put(ctx, "..", MustKey(t, "https://example.com/"), Response(http.StatusOK, "x")); !errors.Is(err, store.ErrInvalidTag) {
		t.Errorf("Put(\"..\") error = %v, want ErrInvalidTag", err)
	}
}

func testConcurrentPuts(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := MustKey(t, "https://tile.openstreetmap.org/1/1/1.png")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Put(ctx, "v1", key, Response(http.StatusOK, "same tile"))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Put() error = %v", err)
		}
	}

	got, err := s.Match(ctx, "v1", key)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if string(got.Body) != "same tile" {
		t.Errorf("Body = %q, want %q", got.Body, "same tile")
	}
}
