// Package networkfirst serves requests from the network and falls back to
// the store when the network is unreachable.
package networkfirst

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/discochess/shellcache/internal/handler"
	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/stats"
)

// Compile-time check that Handler implements handler.Handler.
var _ handler.Handler = (*Handler)(nil)

// Handler is the network-first executor.
type Handler struct {
	deps handler.Deps
}

// New creates a network-first executor.
func New(deps handler.Deps) *Handler {
	deps = deps.WithDefaults()
	deps.Logger = deps.Logger.Named("networkfirst")
	return &Handler{deps: deps}
}

// Serve returns the live response, mirroring GET responses into the store
// in the background. On network failure it serves the stored entry for the
// request, then the application root, then an offline response.
func (h *Handler) Serve(ctx context.Context, req *http.Request) *snapshot.Response {
	key := snapshot.KeyFor(req)

	resp, err := h.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		h.deps.Collector.IncCounter(stats.MetricNetworkFailures, 1)
		h.deps.Logger.Debug("network failed, trying store", zap.String("key", key.String()), zap.Error(err))

		if cached, ok := h.deps.Lookup(ctx, key); ok {
			return cached
		}
		return h.deps.Fallback(ctx)
	}
	resp = resp.WithSource(snapshot.SourceNetwork)

	if req.Method == http.MethodGet {
		h.mirror(ctx, key, resp)
	}
	return resp
}

// mirror stores a copy of resp without delaying the caller.
func (h *Handler) mirror(ctx context.Context, key snapshot.Key, resp *snapshot.Response) {
	if !h.deps.Fits(resp) {
		h.deps.Logger.Debug("response exceeds entry size limit",
			zap.String("key", key.String()),
			zap.Int64("bytes", resp.Size()))
		return
	}

	h.deps.Tasks.Go(ctx, "mirror "+key.String(), func(ctx context.Context) error {
		if err := h.deps.Store.Put(ctx, h.deps.Tag, key, resp); err != nil {
			return err
		}
		h.deps.Collector.IncCounter(stats.MetricStoreWrites, 1)
		return nil
	})
}
