// Package network performs the upstream fetches behind every cache miss,
// network-first request and manifest population.
package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/discochess/shellcache/internal/snapshot"
)

// ErrFetch wraps every failure to obtain a response from upstream.
// A response with an error status is not a failure.
var ErrFetch = errors.New("network: fetch failed")

// Fetcher obtains a response for a request from upstream.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*snapshot.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *http.Request) (*snapshot.Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*snapshot.Response, error) {
	return f(ctx, req)
}

// Mode is the request mode of a fetch.
type Mode int

const (
	// ModeCORS responses are always inspectable.
	ModeCORS Mode = iota
	// ModeNoCORS cross-origin responses without an
	// Access-Control-Allow-Origin header are opaque.
	ModeNoCORS
)

type modeKey struct{}

// WithMode returns a context carrying the request mode.
func WithMode(ctx context.Context, m Mode) context.Context {
	return context.WithValue(ctx, modeKey{}, m)
}

// ModeFrom returns the request mode carried by ctx, ModeCORS by default.
func ModeFrom(ctx context.Context) Mode {
	if m, ok := ctx.Value(modeKey{}).(Mode); ok {
		return m
	}
	return ModeCORS
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client fetches over HTTP.
type Client struct {
	http      *http.Client
	origin    *url.URL
	userAgent string
	logger    *zap.Logger
}

// Compile-time check that Client implements Fetcher.
var _ Fetcher = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithOrigin sets the application origin used to decide whether a request
// is cross-origin.
func WithOrigin(origin *url.URL) Option {
	return func(cl *Client) { cl.origin = origin }
}

// WithUserAgent sets the User-Agent sent when the request has none.
func WithUserAgent(ua string) Option {
	return func(cl *Client) { cl.userAgent = ua }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

// New creates a Client. Without WithHTTPClient it uses
// NewHTTPClient(DefaultTransportConfig()).
func New(opts ...Option) *Client {
	c := &Client{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = NewHTTPClient(DefaultTransportConfig())
	}
	c.logger = c.logger.Named("network")
	return c
}

// Fetch sends req upstream and captures the full response.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*snapshot.Response, error) {
	out, err := c.outbound(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	resp, err := c.http.Do(out)
	if err != nil {
		c.logger.Debug("fetch failed", zap.String("method", out.Method), zap.String("url", out.URL.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	snap, err := snapshot.Capture(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	for _, h := range hopHeaders {
		snap.Header.Del(h)
	}
	snap.URL = out.URL.String()
	snap.Opaque = ModeFrom(ctx) == ModeNoCORS && c.crossOrigin(out.URL) && snap.Header.Get("Access-Control-Allow-Origin") == ""

	c.logger.Debug("fetched",
		zap.String("method", out.Method),
		zap.String("url", snap.URL),
		zap.Int("status", snap.Status),
		zap.Bool("opaque", snap.Opaque),
		zap.Int64("bytes", snap.Size()),
	)
	return snap, nil
}

// crossOrigin reports whether u differs in scheme or host from the origin.
// Without a configured origin every request is cross-origin.
func (c *Client) crossOrigin(u *url.URL) bool {
	if c.origin == nil {
		return true
	}
	return !strings.EqualFold(u.Scheme, c.origin.Scheme) || !strings.EqualFold(u.Host, c.origin.Host)
}

// outbound clones req for the upstream hop.
func (c *Client) outbound(ctx context.Context, req *http.Request) (*http.Request, error) {
	if req.URL == nil || !req.URL.IsAbs() {
		return nil, fmt.Errorf("request url %q is not absolute", req.URL)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), req.Body)
	if err != nil {
		return nil, err
	}

	copyHeaders(out.Header, req.Header)
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	// Let the transport negotiate and decode compression so stored bodies
	// are always identity-encoded.
	out.Header.Del("Accept-Encoding")
	if c.userAgent != "" && out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", c.userAgent)
	}

	out.ContentLength = req.ContentLength
	out.Host = req.URL.Host
	return out, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
