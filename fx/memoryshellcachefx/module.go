// Package memoryshellcachefx provides an fx module for an in-memory
// shellcache host without an HTTP server.
// Useful for testing.
package memoryshellcachefx

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/shellcache"
	"github.com/discochess/shellcache/internal/app"
	"github.com/discochess/shellcache/internal/manifest"
	"github.com/discochess/shellcache/internal/stats"
	"github.com/discochess/shellcache/internal/stats/logger"
	"github.com/discochess/shellcache/internal/store/memstore"
)

// Module provides an in-memory host whose first worker is installed and
// activated on start.
// Requires a *zap.Logger to be provided; an optional *manifest.Manifest
// and []shellcache.Option may be supplied.
var Module = fx.Module("memoryshellcache",
	fx.Provide(
		newStatsCollector,
		newMemStore,
		newHost,
	),
)

func newStatsCollector(log *zap.Logger) stats.Collector {
	return logger.New(log.Named("shellcache.stats"))
}

func newMemStore() *memstore.Store {
	return memstore.New()
}

// Params holds dependencies for creating the host.
type Params struct {
	fx.In

	Logger        *zap.Logger
	Collector     stats.Collector
	Store         *memstore.Store
	Manifest      *manifest.Manifest  `optional:"true"`
	WorkerOptions []shellcache.Option `optional:"true"`
	Lifecycle     fx.Lifecycle
}

// Result holds the provided host. The store is provided by newMemStore.
type Result struct {
	fx.Out

	Host *app.Host
}

func newHost(p Params) Result {
	opts := []shellcache.Option{
		shellcache.WithStats(p.Collector),
		shellcache.WithLogger(p.Logger.Named("shellcache")),
	}
	host := app.NewHost(p.Store,
		app.WithWorkerOptions(append(opts, p.WorkerOptions...)...),
		app.WithHostLogger(p.Logger),
	)

	m := p.Manifest
	if m == nil {
		m = manifest.Default()
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return host.Upgrade(ctx, m)
		},
		OnStop: func(ctx context.Context) error {
			return host.Close(ctx)
		},
	})

	return Result{Host: host}
}
