// Package handler holds what the cache-first and network-first executors
// share: their dependencies and the offline fallback chain.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/shellcache/internal/network"
	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/stats"
	"github.com/discochess/shellcache/internal/store"
	"github.com/discochess/shellcache/internal/tasks"
)

// Handler serves one intercepted request. It always returns a response.
type Handler interface {
	Serve(ctx context.Context, req *http.Request) *snapshot.Response
}

// Deps are the collaborators of an executor.
type Deps struct {
	Store   store.Store
	Tag     string
	Fetcher network.Fetcher

	// RootKey is the key of the application root, served when both the
	// network and the request's own entry are unavailable.
	RootKey snapshot.Key

	// MaxEntrySize caps the body size written to the store. Zero means no
	// limit.
	MaxEntrySize int64

	// WriteTimeout bounds a store write made before responding. Defaults
	// to tasks.DefaultTimeout.
	WriteTimeout time.Duration

	Tasks     *tasks.Group
	Logger    *zap.Logger
	Collector stats.Collector
}

// WithDefaults fills unset optional fields.
func (d Deps) WithDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Collector == nil {
		d.Collector = stats.NewNoop()
	}
	if d.WriteTimeout <= 0 {
		d.WriteTimeout = tasks.DefaultTimeout
	}
	if d.Tasks == nil {
		d.Tasks = tasks.New(tasks.WithLogger(d.Logger), tasks.WithStatsCollector(d.Collector))
	}
	return d
}

// Fits reports whether resp is small enough to store.
func (d Deps) Fits(resp *snapshot.Response) bool {
	return d.MaxEntrySize <= 0 || resp.Size() <= d.MaxEntrySize
}

// Lookup returns the stored entry for key. Read errors other than a miss
// are logged and reported as a miss.
func (d Deps) Lookup(ctx context.Context, key snapshot.Key) (*snapshot.Response, bool) {
	resp, err := d.Store.Match(ctx, d.Tag, key)
	switch {
	case err == nil:
		d.Collector.IncCounter(stats.MetricStoreHits, 1)
		return resp.WithSource(snapshot.SourceCache), true
	case errors.Is(err, store.ErrNotFound):
	default:
		d.Logger.Warn("store read failed", zap.String("key", key.String()), zap.Error(err))
	}
	d.Collector.IncCounter(stats.MetricStoreMisses, 1)
	return nil, false
}

// Fallback returns the stored application root, or a synthesized offline
// response when that is missing too.
func (d Deps) Fallback(ctx context.Context) *snapshot.Response {
	if resp, ok := d.Lookup(ctx, d.RootKey); ok {
		d.Collector.IncCounter(stats.MetricFallbacks, 1)
		return resp.WithSource(snapshot.SourceFallback)
	}
	d.Collector.IncCounter(stats.MetricOffline, 1)
	return snapshot.Offline()
}

// Put writes resp under key, logging and counting failures.
func (d Deps) Put(ctx context.Context, key snapshot.Key, resp *snapshot.Response) error {
	if err := d.Store.Put(ctx, d.Tag, key, resp); err != nil {
		d.Collector.IncCounter(stats.MetricStoreWriteFailures, 1)
		d.Logger.Warn("store write failed", zap.String("key", key.String()), zap.Error(err))
		return err
	}
	d.Collector.IncCounter(stats.MetricStoreWrites, 1)
	return nil
}
