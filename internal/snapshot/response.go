package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Source records where a response handed to a caller came from.
// It is never persisted.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	SourceOffline  Source = "offline"
)

// Response is a captured response. A Response is treated as immutable once
// it has been handed to a store or a caller; use Clone before mutating.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	URL      string
	Opaque   bool
	StoredAt time.Time

	Source Source
}

// Capture reads resp fully into a Response and closes its body.
func Capture(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	var u string
	if resp.Request != nil && resp.Request.URL != nil {
		u = resp.Request.URL.String()
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
		URL:    u,
		Source: SourceNetwork,
	}, nil
}

// OK reports whether the status is in the 2xx class and the response is
// inspectable.
func (r *Response) OK() bool {
	return !r.Opaque && r.Status >= 200 && r.Status < 300
}

// Size returns the body length in bytes.
func (r *Response) Size() int64 {
	return int64(len(r.Body))
}

// Clone returns a deep copy.
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

// WithSource returns a shallow copy tagged with src.
func (r *Response) WithSource(src Source) *Response {
	c := *r
	c.Source = src
	return &c
}

// Offline is returned when neither the network nor the store can supply a
// response.
func Offline() *Response {
	body := []byte("offline\n")
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-store")
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   body,
		Source: SourceOffline,
	}
}

// envelope is the persisted form of a Response.
type envelope struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	URL      string      `json:"url,omitempty"`
	Opaque   bool        `json:"opaque,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
	Key      string      `json:"key,omitempty"`
}

// ErrKeyMismatch is returned by DecodeFor when the stored entry was written
// for a different key.
var ErrKeyMismatch = errors.New("snapshot: entry belongs to another key")

// Encode serializes r for persistent backends.
func Encode(r *Response) ([]byte, error) {
	return encode(r, "")
}

// EncodeFor serializes r and records key, for backends that address
// entries by key hash.
func EncodeFor(key Key, r *Response) ([]byte, error) {
	return encode(r, key.String())
}

func encode(r *Response, key string) ([]byte, error) {
	env := envelope{
		Key:      key,
		Status:   r.Status,
		Header:   r.Header,
		Body:     r.Body,
		URL:      r.URL,
		Opaque:   r.Opaque,
		StoredAt: r.StoredAt,
	}
	if env.StoredAt.IsZero() {
		env.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

// Decode parses data produced by Encode.
func Decode(data []byte) (*Response, error) {
	env, err := decode(data)
	if err != nil {
		return nil, err
	}
	return env.response(), nil
}

// DecodeFor parses data produced by EncodeFor and checks it was written for
// key. Entries without a recorded key are accepted.
func DecodeFor(key Key, data []byte) (*Response, error) {
	env, err := decode(data)
	if err != nil {
		return nil, err
	}
	if env.Key != "" && env.Key != key.String() {
		return nil, fmt.Errorf("%w: %s", ErrKeyMismatch, env.Key)
	}
	return env.response(), nil
}

func decode(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &env, nil
}

func (env *envelope) response() *Response {
	if env.Header == nil {
		env.Header = make(http.Header)
	}
	return &Response{
		Status:   env.Status,
		Header:   env.Header,
		Body:     env.Body,
		URL:      env.URL,
		Opaque:   env.Opaque,
		StoredAt: env.StoredAt,
		Source:   SourceCache,
	}
}
