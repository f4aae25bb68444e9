// Package shellcache is an offline-capable caching proxy for a web
// application shell and its map tiles.
//
// A Worker owns one store generation, named by the shell manifest version.
// It moves through install (populate the generation), activate (purge older
// generations) and then serves fetches: tile requests cache-first, all
// others network-first with a stored fallback.
//
// Example usage:
//
//	w, err := shellcache.New(
//	    shellcache.WithStore(memstore.New()),
//	    shellcache.WithOrigin(origin),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Close()
//
//	if err := w.Install(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if err := w.Activate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := w.Fetch(ctx, req)
package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/discochess/shellcache/internal/handler"
	"github.com/discochess/shellcache/internal/handler/cachefirst"
	"github.com/discochess/shellcache/internal/handler/networkfirst"
	"github.com/discochess/shellcache/internal/manifest"
	"github.com/discochess/shellcache/internal/network"
	"github.com/discochess/shellcache/internal/route"
	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/stats"
	"github.com/discochess/shellcache/internal/store"
	"github.com/discochess/shellcache/internal/tasks"
)

// Sentinel errors for well-defined error conditions.
var (
	// ErrNotActive indicates a fetch before the worker was activated.
	ErrNotActive = errors.New("shellcache: worker not active")

	// ErrInvalidState indicates a lifecycle call out of order.
	ErrInvalidState = errors.New("shellcache: invalid lifecycle state")

	// ErrPopulation indicates the shell could not be fetched into the new
	// generation.
	ErrPopulation = errors.New("shellcache: shell population failed")

	// ErrClosed indicates the worker has been closed.
	ErrClosed = errors.New("shellcache: worker closed")

	// ErrNoStore indicates no store was provided.
	ErrNoStore = errors.New("shellcache: no store provided")
)

// Worker intercepts requests for one application version.
// A Worker is safe for concurrent use by multiple goroutines.
type Worker struct {
	store       store.Store
	manifest    *manifest.Manifest
	origin      *url.URL
	selector    *route.Selector
	fetcher     network.Fetcher
	tasks       *tasks.Group
	stats       stats.Collector
	logger      *zap.Logger
	claim       func(context.Context) error
	skipWaiting bool
	concurrency int

	cacheFirst   handler.Handler
	networkFirst handler.Handler
	triggers     map[Trigger]func(context.Context, Event) Outcome

	// mu serializes lifecycle transitions.
	mu    sync.Mutex
	state atomic.Int32
}

// New creates a new Worker with the given options.
// If no options are provided other than a store, sensible defaults are used.
func New(opts ...Option) (*Worker, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	if cfg.store == nil {
		return nil, ErrNoStore
	}
	if err := cfg.manifest.Validate(); err != nil {
		return nil, err
	}
	if cfg.origin == nil || !cfg.origin.IsAbs() {
		return nil, fmt.Errorf("shellcache: origin %q is not absolute", cfg.origin)
	}

	logger := cfg.logger.Named("worker").With(zap.String("version", cfg.manifest.Version))
	if cfg.fetcher == nil {
		cfg.fetcher = network.New(network.WithOrigin(cfg.origin), network.WithLogger(cfg.logger))
	}

	w := &Worker{
		store:       cfg.store,
		manifest:    cfg.manifest,
		origin:      cfg.origin,
		selector:    cfg.selector,
		fetcher:     cfg.fetcher,
		stats:       cfg.stats,
		logger:      logger,
		claim:       cfg.claim,
		skipWaiting: cfg.skipWaiting,
		concurrency: cfg.concurrency,
		tasks: tasks.New(
			tasks.WithLogger(logger),
			tasks.WithStatsCollector(cfg.stats),
			tasks.WithTimeout(cfg.writeTimeout),
		),
	}

	deps := handler.Deps{
		Store:        w.store,
		Tag:          w.manifest.Version,
		Fetcher:      w.fetcher,
		RootKey:      w.rootKey(),
		MaxEntrySize: cfg.maxEntrySize,
		WriteTimeout: cfg.writeTimeout,
		Tasks:        w.tasks,
		Logger:       cfg.logger,
		Collector:    cfg.stats,
	}
	w.cacheFirst = cachefirst.New(deps)
	w.networkFirst = networkfirst.New(deps)
	w.triggers = w.dispatchTable()

	w.logger.Debug("worker initialized",
		zap.String("origin", w.origin.String()),
		zap.Strings("tileHosts", w.selector.Patterns()),
		zap.Int("manifestEntries", len(w.manifest.Entries)),
	)

	return w, nil
}

// Fetch serves one intercepted request. The request URL may be relative,
// in which case it is resolved against the application origin. Fetch always
// returns a response once the worker is active.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*snapshot.Response, error) {
	switch w.State() {
	case StateActive:
	case StateClosed:
		return nil, ErrClosed
	default:
		return nil, ErrNotActive
	}

	req = w.absolute(ctx, req)
	strategy := w.selector.Classify(req)

	w.stats.IncCounter(stats.MetricFetches, 1)
	start := time.Now()

	var resp *snapshot.Response
	switch strategy {
	case route.TileFirst:
		w.stats.IncCounter(stats.MetricTileFetches, 1)
		resp = w.cacheFirst.Serve(ctx, req)
	default:
		w.stats.IncCounter(stats.MetricGenericFetches, 1)
		resp = w.networkFirst.Serve(ctx, req)
	}

	w.stats.ObserveHistogram(stats.MetricFetchSeconds, time.Since(start).Seconds())
	w.logger.Debug("fetch",
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Stringer("strategy", strategy),
		zap.Int("status", resp.Status),
		zap.String("source", string(resp.Source)),
	)
	return resp, nil
}

// Message handles a message from a client. It only logs the payload.
func (w *Worker) Message(ctx context.Context, payload any) {
	w.stats.IncCounter(stats.MetricMessages, 1)
	w.logger.Info("message", zap.Any("data", payload))
}

// Flush waits for background store writes started so far.
func (w *Worker) Flush(ctx context.Context) error {
	return w.tasks.Wait(ctx)
}

// Drain stops the worker and waits for background writes without closing
// the store, so a newer worker can keep using it.
func (w *Worker) Drain(ctx context.Context) error {
	if w.state.Swap(int32(StateClosed)) == int32(StateClosed) {
		return ErrClosed
	}
	return w.tasks.Close(ctx)
}

// Close drains background writes and closes the store.
// After Close, the worker should not be used.
func (w *Worker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.Drain(ctx); errors.Is(err, ErrClosed) {
		return err
	} else if err != nil {
		return multierr.Append(fmt.Errorf("draining background writes: %w", err), w.closeStore())
	}
	return w.closeStore()
}

func (w *Worker) closeStore() error {
	if err := w.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

// Version returns the manifest version, which is the generation tag.
func (w *Worker) Version() string {
	return w.manifest.Version
}

// Manifest returns the shell manifest.
func (w *Worker) Manifest() *manifest.Manifest {
	return w.manifest
}

// Origin returns the application origin.
func (w *Worker) Origin() *url.URL {
	return w.origin
}

// Store returns the storage backend used by this worker.
func (w *Worker) Store() store.Store {
	return w.store
}

// SkipWaiting reports whether this version takes over from older workers
// as soon as it is installed.
func (w *Worker) SkipWaiting() bool {
	return w.skipWaiting
}

// rootKey is the store key of the application root.
func (w *Worker) rootKey() snapshot.Key {
	return snapshot.NewKey(http.MethodGet, w.origin.ResolveReference(&url.URL{Path: "/"}))
}

// absolute returns req with its URL resolved against the origin.
func (w *Worker) absolute(ctx context.Context, req *http.Request) *http.Request {
	if req.URL != nil && req.URL.IsAbs() {
		return req
	}
	r := req.Clone(ctx)
	if r.URL == nil {
		r.URL = &url.URL{Path: "/"}
	}
	r.URL = w.origin.ResolveReference(r.URL)
	return r
}
