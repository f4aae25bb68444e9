package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/discochess/shellcache"
	"github.com/discochess/shellcache/internal/config"
	"github.com/discochess/shellcache/internal/manifest"
	"github.com/discochess/shellcache/internal/network"
	"github.com/discochess/shellcache/internal/server"
	"github.com/discochess/shellcache/internal/stats"
	"github.com/discochess/shellcache/internal/store"
)

// NewHostFromConfig creates a Host whose workers follow cfg. extra options
// are applied last.
func NewHostFromConfig(cfg config.Config, st store.Store, collector stats.Collector, logger *zap.Logger, extra ...shellcache.Option) (*Host, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	maxEntry, err := cfg.MaxEntryBytes()
	if err != nil {
		return nil, err
	}

	opts := []shellcache.Option{
		shellcache.WithOrigin(origin),
		shellcache.WithStats(collector),
		shellcache.WithLogger(logger),
		shellcache.WithFetcher(network.New(network.WithOrigin(origin), network.WithLogger(logger))),
		shellcache.WithMaxEntrySize(maxEntry),
		shellcache.WithWriteTimeout(cfg.WriteTimeout),
		shellcache.WithInstallConcurrency(cfg.InstallConcurrency),
		shellcache.WithSkipWaiting(cfg.SkipWaiting),
	}
	if len(cfg.TileHosts) > 0 {
		opts = append(opts, shellcache.WithTileHosts(cfg.TileHosts...))
	}
	opts = append(opts, extra...)

	return NewHost(st,
		WithWorkerOptions(opts...),
		WithHostLogger(logger),
		WithInstallRetry(cfg.InstallMaxElapsed, nil),
	), nil
}

// App wires the host and the HTTP server together.
type App struct {
	cfg     config.Config
	host    *Host
	logger  *zap.Logger
	httpSrv *http.Server

	addr        net.Addr
	serveErr    chan error
	stopWatch   context.CancelFunc
	watchDone   chan struct{}
	startedOnce bool
}

// New creates an App serving srv for host.
func New(cfg config.Config, host *Host, srv *server.Server, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		host:   host,
		logger: logger.Named("app"),
		httpSrv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       90 * time.Second,
		},
		serveErr: make(chan error, 1),
	}
}

// Start installs and activates the first worker, begins serving and, when
// configured, watches the manifest file for new versions.
func (a *App) Start(ctx context.Context) error {
	if a.startedOnce {
		return errors.New("app: already started")
	}
	a.startedOnce = true

	m, err := manifest.Load(a.cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}
	if err := a.host.Upgrade(ctx, m); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Listen, err)
	}
	a.addr = ln.Addr()
	go func() {
		a.logger.Info("proxy server starting", zap.String("addr", a.addr.String()), zap.String("version", m.Version))
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- err
		}
		close(a.serveErr)
	}()

	if a.cfg.WatchManifest && a.cfg.ManifestPath != "" {
		watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.stopWatch = cancel
		a.watchDone = make(chan struct{})
		go func() {
			defer close(a.watchDone)
			if err := a.host.Watch(watchCtx, a.cfg.ManifestPath); err != nil {
				a.logger.Warn("manifest watch stopped", zap.Error(err))
			}
		}()
	}
	return nil
}

// Addr returns the listening address once started.
func (a *App) Addr() net.Addr {
	return a.addr
}

// Stop shuts the server down, stops watching and closes the host.
func (a *App) Stop(ctx context.Context) error {
	var errs error
	if a.stopWatch != nil {
		a.stopWatch()
		<-a.watchDone
	}
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("shutting down server: %w", err))
	}
	if err := a.host.Close(ctx); err != nil && !errors.Is(err, ErrHostClosed) {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Run starts the app and blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		_ = a.host.Close(context.WithoutCancel(ctx))
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-a.serveErr:
		if ok {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return multierr.Append(runErr, a.Stop(shutdownCtx))
}
