package shellcache

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/shellcache/internal/codec/zstdcodec"
	"github.com/discochess/shellcache/internal/manifest"
	"github.com/discochess/shellcache/internal/network"
	"github.com/discochess/shellcache/internal/route"
	"github.com/discochess/shellcache/internal/stats"
	"github.com/discochess/shellcache/internal/store"
	"github.com/discochess/shellcache/internal/store/diskstore"
	"github.com/discochess/shellcache/internal/tasks"
)

// DefaultOrigin is the application origin used when none is configured.
const DefaultOrigin = "http://localhost:8080"

// DefaultInstallConcurrency bounds parallel manifest fetches during install.
const DefaultInstallConcurrency = 4

// ManifestFilename is the shell manifest file WithDataDir looks for.
const ManifestFilename = "shell.json"

// Option configures a Worker.
type Option interface {
	apply(*options)
}

// options holds the worker configuration.
type options struct {
	store        store.Store
	manifest     *manifest.Manifest
	origin       *url.URL
	selector     *route.Selector
	fetcher      network.Fetcher
	stats        stats.Collector
	logger       *zap.Logger
	claim        func(context.Context) error
	skipWaiting  bool
	concurrency  int
	maxEntrySize int64
	writeTimeout time.Duration
}

// defaultOptions returns the default configuration.
func defaultOptions() options {
	origin, _ := url.Parse(DefaultOrigin)
	return options{
		manifest:     manifest.Default(),
		origin:       origin,
		selector:     route.New(),
		stats:        stats.NewNoop(),
		logger:       zap.NewNop(),
		claim:        func(context.Context) error { return nil },
		skipWaiting:  true,
		concurrency:  DefaultInstallConcurrency,
		writeTimeout: tasks.DefaultTimeout,
	}
}

// optionFunc wraps a function to implement Option.
type optionFunc func(*options)

// Compile-time check that optionFunc implements Option.
var _ Option = optionFunc(nil)

func (f optionFunc) apply(o *options) { f(o) }

// WithStore sets the storage backend to use.
func WithStore(s store.Store) Option {
	return optionFunc(func(o *options) {
		o.store = s
	})
}

// WithManifest sets the shell manifest. Its version names the generation.
// If not set, manifest.Default is used.
func WithManifest(m *manifest.Manifest) Option {
	return optionFunc(func(o *options) {
		if m != nil {
			o.manifest = m
		}
	})
}

// WithOrigin sets the application origin. Relative manifest entries and
// relative request URLs are resolved against it.
func WithOrigin(u *url.URL) Option {
	return optionFunc(func(o *options) {
		o.origin = u
	})
}

// WithTileHosts sets the host patterns served cache-first.
// If not set, route.DefaultTileHosts is used.
func WithTileHosts(patterns ...string) Option {
	return optionFunc(func(o *options) {
		o.selector = route.New(patterns...)
	})
}

// WithFetcher sets the upstream fetcher.
// If not set, a network.Client for the origin is used.
func WithFetcher(f network.Fetcher) Option {
	return optionFunc(func(o *options) {
		o.fetcher = f
	})
}

// WithStats sets the stats collector.
// If not set, a no-op collector is used.
func WithStats(c stats.Collector) Option {
	return optionFunc(func(o *options) {
		o.stats = c
	})
}

// WithLogger sets the logger.
// If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(o *options) {
		o.logger = l
	})
}

// WithClaimHook sets the function called when the worker takes control of
// existing clients at the end of activation.
func WithClaimHook(fn func(context.Context) error) Option {
	return optionFunc(func(o *options) {
		if fn != nil {
			o.claim = fn
		}
	})
}

// WithSkipWaiting sets whether an installed worker replaces the running one
// immediately. Default is true.
func WithSkipWaiting(skip bool) Option {
	return optionFunc(func(o *options) {
		o.skipWaiting = skip
	})
}

// WithInstallConcurrency bounds parallel fetches during install.
func WithInstallConcurrency(n int) Option {
	return optionFunc(func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	})
}

// WithMaxEntrySize caps the body size of stored responses. Zero means no
// limit.
func WithMaxEntrySize(n int64) Option {
	return optionFunc(func(o *options) {
		o.maxEntrySize = n
	})
}

// WithWriteTimeout bounds each store write made while serving a request,
// including background mirror writes.
func WithWriteTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	})
}

// WithDataDir configures the worker from a data directory.
// It creates a disk-based store with zstd compression and, when the
// directory holds a shell.json, uses it as the manifest.
func WithDataDir(dir string) (Option, error) {
	st, err := diskstore.New(dir, zstdcodec.New())
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	m := manifest.Default()
	path := filepath.Join(dir, ManifestFilename)
	if _, err := os.Stat(path); err == nil {
		if m, err = manifest.Read(path); err != nil {
			return nil, fmt.Errorf("reading manifest: %w", err)
		}
	}

	return optionFunc(func(o *options) {
		o.store = st
		o.manifest = m
	}), nil
}
