package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/discochess/shellcache/internal/manifest"
	"github.com/discochess/shellcache/internal/network"
	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/stats"
	"github.com/discochess/shellcache/internal/store"
)

// State is a lifecycle state of a Worker.
type State int32

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateClosed
)

var stateNames = map[State]string{
	StateUninstalled: "uninstalled",
	StateInstalling:  "installing",
	StateInstalled:   "installed",
	StateActivating:  "activating",
	StateActive:      "active",
	StateClosed:      "closed",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// transition moves from one state to another, failing if the worker is not
// in from. Callers hold w.mu.
func (w *Worker) transition(from, to State) error {
	if !w.state.CompareAndSwap(int32(from), int32(to)) {
		cur := w.State()
		if cur == StateClosed {
			return ErrClosed
		}
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, cur, from)
	}
	return nil
}

// Install creates the generation for this version and fills it with the
// shell manifest. Same-origin entries are required: if any of them cannot
// be fetched with a 2xx status, nothing is written, the worker returns to
// uninstalled and the error wraps ErrPopulation. Cross-origin entries are
// fetched in no-cors mode and skipped on failure.
//
// A generation left by an earlier install of the same version is reused
// without touching the network when it holds every same-origin entry.
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.transition(StateUninstalled, StateInstalling); err != nil {
		return err
	}
	w.stats.IncCounter(stats.MetricInstalls, 1)
	w.logger.Info("installing")

	if err := w.populate(ctx); err != nil {
		w.stats.IncCounter(stats.MetricPopulationFailures, 1)
		w.logger.Warn("install failed", zap.Error(err))
		// Close may have run concurrently; only roll back our own state.
		w.state.CompareAndSwap(int32(StateInstalling), int32(StateUninstalled))
		return fmt.Errorf("%w: %w", ErrPopulation, err)
	}

	if err := w.transition(StateInstalling, StateInstalled); err != nil {
		return err
	}
	w.logger.Info("installed", zap.Bool("skipWaiting", w.skipWaiting))
	return nil
}

// fetched is a manifest resource ready to be written.
type fetched struct {
	key  snapshot.Key
	resp *snapshot.Response
}

func (w *Worker) populate(ctx context.Context) error {
	resources, err := w.manifest.Resolve(w.origin)
	if err != nil {
		return err
	}

	tag := w.manifest.Version
	existed, complete, err := w.existingGeneration(ctx, resources)
	if err != nil {
		return err
	}
	if complete {
		w.logger.Info("reusing installed generation", zap.String("tag", tag))
		return nil
	}

	var (
		mu      sync.Mutex
		results = make([]*fetched, len(resources))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, res := range resources {
		g.Go(func() error {
			resp, err := w.fetchResource(gctx, res)
			if err != nil {
				if res.SameOrigin {
					return err
				}
				w.stats.IncCounter(stats.MetricManifestSkipped, 1)
				w.logger.Warn("skipping cross-origin shell resource", zap.String("url", res.URL.String()), zap.Error(err))
				return nil
			}
			mu.Lock()
			results[i] = &fetched{key: res.Key(), resp: resp}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := w.store.Open(ctx, tag); err != nil {
		return fmt.Errorf("opening generation: %w", err)
	}
	for _, f := range results {
		if f == nil {
			continue
		}
		if err := w.store.Put(ctx, tag, f.key, f.resp); err != nil {
			// A generation this install did not create is left alone.
			if !existed {
				if derr := w.store.Delete(context.WithoutCancel(ctx), tag); derr != nil {
					w.logger.Warn("rolling back generation failed", zap.Error(derr))
				}
			}
			return fmt.Errorf("storing %s: %w", f.key, err)
		}
	}
	return nil
}

// existingGeneration reports whether the generation for this version exists
// and whether it already holds every same-origin shell resource.
func (w *Worker) existingGeneration(ctx context.Context, resources []manifest.Resource) (existed, complete bool, err error) {
	tags, err := w.store.Tags(ctx)
	if err != nil {
		return false, false, fmt.Errorf("listing generations: %w", err)
	}
	if !slices.Contains(tags, w.manifest.Version) {
		return false, false, nil
	}
	for _, res := range resources {
		if !res.SameOrigin {
			continue
		}
		_, err := w.store.Match(ctx, w.manifest.Version, res.Key())
		if errors.Is(err, store.ErrNotFound) {
			return true, false, nil
		}
		if err != nil {
			return true, false, fmt.Errorf("checking %s: %w", res.URL, err)
		}
	}
	return true, true, nil
}

// fetchResource fetches one manifest resource and checks it can be stored.
func (w *Worker) fetchResource(ctx context.Context, res manifest.Resource) (*snapshot.Response, error) {
	if !res.SameOrigin {
		ctx = network.WithMode(ctx, network.ModeNoCORS)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.URL.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() && !resp.Opaque {
		return nil, fmt.Errorf("fetching %s: status %d", res.URL, resp.Status)
	}
	return resp, nil
}

// Activate makes this version current: every other generation is deleted,
// then existing clients are claimed. Purge and claim failures are logged
// and counted but do not block activation; the next activation retries the
// purge.
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	w.logger.Info("activating")

	if err := w.purge(ctx); err != nil {
		w.logger.Warn("purging old generations failed", zap.Error(err))
	}
	if err := w.claim(ctx); err != nil {
		w.logger.Warn("claiming clients failed", zap.Error(err))
	}

	if err := w.transition(StateActivating, StateActive); err != nil {
		return err
	}
	w.logger.Info("active")
	return nil
}

// purge deletes every generation except the current one.
func (w *Worker) purge(ctx context.Context) error {
	tags, err := w.store.Tags(ctx)
	if err != nil {
		w.stats.IncCounter(stats.MetricPurgeFailures, 1)
		return fmt.Errorf("listing generations: %w", err)
	}

	var errs error
	for _, tag := range tags {
		if tag == w.manifest.Version {
			continue
		}
		if err := w.store.Delete(ctx, tag); err != nil {
			w.stats.IncCounter(stats.MetricPurgeFailures, 1)
			errs = multierr.Append(errs, fmt.Errorf("deleting %q: %w", tag, err))
			continue
		}
		w.stats.IncCounter(stats.MetricGenerationsPurged, 1)
		w.logger.Info("purged generation", zap.String("tag", tag))
	}
	return errs
}
