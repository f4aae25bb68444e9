// Package tasks runs detached background work whose failures are logged
// and counted but never reported to the caller that started it.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/shellcache/internal/stats"
)

// DefaultTimeout bounds a single detached task.
const DefaultTimeout = 5 * time.Second

// Group tracks detached tasks so they can be awaited on shutdown.
type Group struct {
	logger    *zap.Logger
	collector stats.Collector
	timeout   time.Duration
	metric    string

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Group.
type Option func(*Group)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Group) { g.logger = logger }
}

// WithStatsCollector sets the collector that counts failures.
func WithStatsCollector(c stats.Collector) Option {
	return func(g *Group) { g.collector = c }
}

// WithTimeout sets the per-task timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(g *Group) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithFailureMetric sets the counter incremented on each failed task.
func WithFailureMetric(name string) Option {
	return func(g *Group) { g.metric = name }
}

// New creates a Group.
func New(opts ...Option) *Group {
	g := &Group{
		logger:    zap.NewNop(),
		collector: stats.NewNoop(),
		timeout:   DefaultTimeout,
		metric:    stats.MetricStoreWriteFailures,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Go runs fn on its own goroutine with a context that keeps ctx's values
// but not its cancellation, bounded by the group timeout. It reports false
// when the group is closed and fn was not started.
func (g *Group) Go(ctx context.Context, name string, fn func(context.Context) error) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.logger.Debug("task dropped after close", zap.String("task", name))
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer g.wg.Done()

		ctx, cancel := context.WithTimeout(detached, g.timeout)
		defer cancel()

		if err := g.run(ctx, fn); err != nil {
			g.collector.IncCounter(g.metric, 1)
			g.logger.Warn("background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
	return true
}

func (g *Group) run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Wait blocks until every started task has finished or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for running ones.
func (g *Group) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return g.Wait(ctx)
}
