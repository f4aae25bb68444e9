// Package shellcachefx provides an fx module running the shellcache proxy
// from an internal/config.Config.
package shellcachefx

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/shellcache/internal/app"
	"github.com/discochess/shellcache/internal/config"
	"github.com/discochess/shellcache/internal/server"
	"github.com/discochess/shellcache/internal/stats"
	"github.com/discochess/shellcache/internal/store"
)

// Module provides the store, host, server and app, and starts the app with
// the fx lifecycle.
// Requires a config.Config and a *zap.Logger to be provided.
var Module = fx.Module("shellcache",
	fx.Provide(
		newRegistry,
		newStatsCollector,
		newStore,
		newHost,
		newServer,
		newApp,
	),
	fx.Invoke(func(*app.App) {}),
)

func newRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func newStatsCollector(cfg config.Config, reg *prometheus.Registry, log *zap.Logger) stats.Collector {
	return app.NewCollector(cfg.Metrics, reg, log)
}

func newStore(cfg config.Config, collector stats.Collector) (store.Store, error) {
	return app.OpenStore(context.Background(), cfg, collector)
}

// Params holds dependencies for creating the host.
type Params struct {
	fx.In

	Config    config.Config
	Store     store.Store
	Collector stats.Collector
	Logger    *zap.Logger
}

func newHost(p Params) (*app.Host, error) {
	return app.NewHostFromConfig(p.Config, p.Store, p.Collector, p.Logger.Named("shellcache"))
}

func newServer(cfg config.Config, host *app.Host, reg *prometheus.Registry, log *zap.Logger) *server.Server {
	opts := []server.Option{server.WithLogger(log)}
	if cfg.Metrics == config.MetricsPrometheus {
		opts = append(opts, server.WithGatherer(reg))
	}
	return server.New(host, opts...)
}

func newApp(lc fx.Lifecycle, cfg config.Config, host *app.Host, srv *server.Server, log *zap.Logger) *app.App {
	a := app.New(cfg, host, srv, log)
	lc.Append(fx.Hook{
		OnStart: a.Start,
		OnStop:  a.Stop,
	})
	return a
}
