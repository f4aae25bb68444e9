// Package app runs shellcache as a long-lived HTTP proxy: it owns the
// store, keeps one active Worker and replaces it when the shell manifest
// changes.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/discochess/shellcache"
	"github.com/discochess/shellcache/internal/manifest"
	"github.com/discochess/shellcache/internal/store"
)

var (
	// ErrHostClosed is returned by Upgrade after Close.
	ErrHostClosed = errors.New("app: host closed")

	// ErrNoWaiting is returned by Promote when no installed worker is
	// waiting.
	ErrNoWaiting = errors.New("app: no waiting worker")
)

// DefaultInstallMaxElapsed bounds install retries.
const DefaultInstallMaxElapsed = 2 * time.Minute

// Host keeps the worker in control of a store. A Host is safe for
// concurrent use; upgrades are serialized.
type Host struct {
	store      store.Store
	workerOpts []shellcache.Option
	logger     *zap.Logger
	maxElapsed time.Duration
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	closed  bool
	waiting *shellcache.Worker
	current atomic.Pointer[shellcache.Worker]
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithWorkerOptions sets options applied to every worker the host creates.
// The store and manifest are supplied by the host.
func WithWorkerOptions(opts ...shellcache.Option) HostOption {
	return func(h *Host) {
		h.workerOpts = append(h.workerOpts, opts...)
	}
}

// WithHostLogger sets the logger.
func WithHostLogger(logger *zap.Logger) HostOption {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithInstallRetry bounds how long a failing install is retried and sets
// the backoff between attempts.
func WithInstallRetry(maxElapsed time.Duration, newBackOff func() backoff.BackOff) HostOption {
	return func(h *Host) {
		if maxElapsed > 0 {
			h.maxElapsed = maxElapsed
		}
		if newBackOff != nil {
			h.newBackOff = newBackOff
		}
	}
}

// NewHost creates a Host over st. No worker is active until the first
// Upgrade.
func NewHost(st store.Store, opts ...HostOption) *Host {
	h := &Host{
		store:      st,
		logger:     zap.NewNop(),
		maxElapsed: DefaultInstallMaxElapsed,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("host")
	return h
}

// Current returns the active worker, or nil before the first upgrade.
func (h *Host) Current() *shellcache.Worker {
	return h.current.Load()
}

// Store returns the store shared by every worker.
func (h *Host) Store() store.Store {
	return h.store
}

// Upgrade installs a worker for m, activates it and swaps it in. The
// previous worker is drained but the store stays open. Installs failing
// with shellcache.ErrPopulation are retried with backoff; on final failure
// the previous worker stays in control.
//
// A worker built without skip-waiting is left installed while another
// worker is in control; Promote activates it. A later Upgrade replaces it.
func (h *Host) Upgrade(ctx context.Context, m *manifest.Manifest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHostClosed
	}

	opts := append([]shellcache.Option{}, h.workerOpts...)
	opts = append(opts, shellcache.WithStore(h.store), shellcache.WithManifest(m))
	w, err := shellcache.New(opts...)
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}

	logger := h.logger.With(zap.String("version", w.Version()))
	if err := h.install(ctx, w, logger); err != nil {
		_ = w.Drain(context.WithoutCancel(ctx))
		return fmt.Errorf("installing %s: %w", w.Version(), err)
	}

	if prev := h.waiting; prev != nil {
		h.waiting = nil
		_ = prev.Drain(context.WithoutCancel(ctx))
		logger.Info("replaced waiting worker", zap.String("previous", prev.Version()))
	}
	if !w.SkipWaiting() && h.current.Load() != nil {
		h.waiting = w
		logger.Info("installed, waiting")
		return nil
	}
	return h.activate(ctx, w, logger)
}

// Waiting returns the installed worker waiting to take control, or nil.
func (h *Host) Waiting() *shellcache.Worker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waiting
}

// Promote activates the waiting worker and swaps it in.
func (h *Host) Promote(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHostClosed
	}
	w := h.waiting
	if w == nil {
		return ErrNoWaiting
	}
	h.waiting = nil
	return h.activate(ctx, w, h.logger.With(zap.String("version", w.Version())))
}

// activate runs the activate trigger on w and makes it current. Callers
// hold h.mu.
func (h *Host) activate(ctx context.Context, w *shellcache.Worker, logger *zap.Logger) error {
	if err := w.Activate(ctx); err != nil {
		_ = w.Drain(context.WithoutCancel(ctx))
		return fmt.Errorf("activating %s: %w", w.Version(), err)
	}

	old := h.current.Swap(w)
	if old != nil {
		if err := old.Drain(ctx); err != nil && !errors.Is(err, shellcache.ErrClosed) {
			logger.Warn("draining previous worker failed", zap.String("previous", old.Version()), zap.Error(err))
		}
		logger.Info("upgraded", zap.String("previous", old.Version()))
	} else {
		logger.Info("started")
	}
	return nil
}

func (h *Host) install(ctx context.Context, w *shellcache.Worker, logger *zap.Logger) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := w.Install(ctx)
		if err != nil && !errors.Is(err, shellcache.ErrPopulation) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(h.newBackOff()),
		backoff.WithMaxElapsedTime(h.maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("install failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	return err
}

// Watch upgrades the host whenever the manifest file at path changes
// version. It blocks until ctx is done. Failed upgrades are logged and the
// current worker keeps serving.
func (h *Host) Watch(ctx context.Context, path string) error {
	var current string
	if w := h.Current(); w != nil {
		current = w.Version()
	}

	updates, err := manifest.Watch(ctx, path, current, h.logger)
	if err != nil {
		return err
	}
	for m := range updates {
		if err := h.Upgrade(ctx, m); err != nil {
			h.logger.Warn("manifest upgrade failed", zap.String("version", m.Version), zap.Error(err))
		}
	}
	return nil
}

// Close drains the active and waiting workers and closes the store.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHostClosed
	}
	h.closed = true

	var errs error
	if w := h.waiting; w != nil {
		h.waiting = nil
		if err := w.Drain(ctx); err != nil && !errors.Is(err, shellcache.ErrClosed) {
			errs = multierr.Append(errs, fmt.Errorf("draining waiting worker: %w", err))
		}
	}
	if w := h.current.Load(); w != nil {
		if err := w.Drain(ctx); err != nil && !errors.Is(err, shellcache.ErrClosed) {
			errs = multierr.Append(errs, fmt.Errorf("draining worker: %w", err))
		}
	}
	if err := h.store.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errs
}
