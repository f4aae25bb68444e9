// Package cachefirst serves requests from the store when possible and only
// goes to the network on a miss. It is used for map tiles, which never
// change and are rate limited upstream.
package cachefirst

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/discochess/shellcache/internal/handler"
	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/stats"
)

// Compile-time check that Handler implements handler.Handler.
var _ handler.Handler = (*Handler)(nil)

// FetchTimeout bounds a network fetch shared by concurrent misses. The
// fetch outlives any single caller.
const FetchTimeout = 30 * time.Second

// Handler is the cache-first executor.
type Handler struct {
	deps   handler.Deps
	flight singleflight.Group
}

// New creates a cache-first executor.
func New(deps handler.Deps) *Handler {
	deps = deps.WithDefaults()
	deps.Logger = deps.Logger.Named("cachefirst")
	return &Handler{deps: deps}
}

// Serve returns the stored entry, or fetches, stores and returns it.
func (h *Handler) Serve(ctx context.Context, req *http.Request) *snapshot.Response {
	key := snapshot.KeyFor(req)

	if resp, ok := h.deps.Lookup(ctx, key); ok {
		return resp
	}

	ch := h.flight.DoChan(key.String(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FetchTimeout)
		defer cancel()
		return h.fetchAndStore(fctx, req.WithContext(fctx), key)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		h.deps.Logger.Debug("request cancelled while fetching", zap.String("key", key.String()))
		return snapshot.Offline()
	}
	if res.Err != nil {
		h.deps.Collector.IncCounter(stats.MetricNetworkFailures, 1)
		h.deps.Logger.Debug("network failed, serving fallback", zap.String("key", key.String()), zap.Error(res.Err))
		return h.deps.Fallback(ctx)
	}

	resp := res.Val.(*snapshot.Response)
	if res.Shared {
		resp = resp.Clone()
	}
	return resp
}

func (h *Handler) fetchAndStore(ctx context.Context, req *http.Request, key snapshot.Key) (*snapshot.Response, error) {
	resp, err := h.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	resp = resp.WithSource(snapshot.SourceNetwork)

	if !Storable(resp) {
		h.deps.Logger.Debug("not storing response",
			zap.String("key", key.String()),
			zap.Int("status", resp.Status),
			zap.Bool("opaque", resp.Opaque))
		return resp, nil
	}
	if !h.deps.Fits(resp) {
		h.deps.Logger.Debug("response exceeds entry size limit",
			zap.String("key", key.String()),
			zap.Int64("bytes", resp.Size()),
			zap.Int64("limit", h.deps.MaxEntrySize))
		return resp, nil
	}

	wctx, cancel := context.WithTimeout(ctx, h.deps.WriteTimeout)
	defer cancel()
	_ = h.deps.Put(wctx, key, resp)

	return resp, nil
}

// Storable reports whether a tile response is a definite success: 2xx,
// inspectable, and not a partial body.
func Storable(resp *snapshot.Response) bool {
	return resp.OK() && resp.Status != http.StatusPartialContent
}
