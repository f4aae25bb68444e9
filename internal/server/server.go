// Package server exposes a Worker over HTTP: every request is routed through
// the worker's fetch trigger, except the admin endpoints under
// /_shellcache/.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/discochess/shellcache"
	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/store"
)

const (
	// AdminPrefix is the path prefix reserved for admin endpoints.
	AdminPrefix = "/_shellcache/"

	// SourceHeader reports where a proxied response came from.
	SourceHeader = "X-Shellcache-Source"

	maxMessageSize = 1 << 20
)

// Source yields the worker currently in control, or nil before the first
// one is active.
type Source interface {
	Current() *shellcache.Worker
}

// Promoter is implemented by sources that can hold an installed worker
// back until it is told to take control.
type Promoter interface {
	Promote(ctx context.Context) error
}

// Server is an http.Handler fronting the current worker.
type Server struct {
	source   Source
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	admin    *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGatherer enables the metrics endpoint for g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New creates a Server for src.
func New(src Source, opts ...Option) *Server {
	s := &Server{
		source: src,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("server")

	s.admin = http.NewServeMux()
	s.admin.HandleFunc("GET "+AdminPrefix+"healthz", s.healthz)
	s.admin.HandleFunc("GET "+AdminPrefix+"state", s.state)
	s.admin.HandleFunc("POST "+AdminPrefix+"message", s.message)
	if p, ok := src.(Promoter); ok {
		s.admin.HandleFunc("POST "+AdminPrefix+"skip-waiting", s.skipWaiting(p))
	}
	if s.gatherer != nil {
		s.admin.Handle("GET "+AdminPrefix+"metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns s wrapped with tracing and request logging.
func (s *Server) Handler() http.Handler {
	logged := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.ServeHTTP(w, r)
		s.logger.Debug("handled request",
			zap.String("method", r.Method),
			zap.String("url", r.URL.String()),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)),
		)
	})
	return otelhttp.NewHandler(logged, "shellcache")
}

// ServeHTTP routes admin requests to the admin mux and proxies the rest.
// Absolute-form requests (forward proxy) are never treated as admin
// requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() && strings.HasPrefix(r.URL.Path, AdminPrefix) {
		s.admin.ServeHTTP(w, r)
		return
	}
	s.proxy(w, r)
}

func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	worker := s.source.Current()
	if worker == nil {
		http.Error(w, "no active worker", http.StatusServiceUnavailable)
		return
	}

	req := r.Clone(r.Context())
	req.RequestURI = ""

	resp, err := worker.Fetch(r.Context(), req)
	if err != nil {
		s.logger.Warn("fetch rejected", zap.String("url", r.URL.String()), zap.Error(err))
		status := http.StatusBadGateway
		if errors.Is(err, shellcache.ErrNotActive) || errors.Is(err, shellcache.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeResponse(w, r, resp)
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp *snapshot.Response) {
	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = append([]string(nil), vv...)
	}
	h.Del("Content-Length")
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	h.Set(SourceHeader, string(resp.Source))

	status := resp.Status
	if status < 100 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	worker := s.source.Current()
	if worker == nil || worker.State() != shellcache.StateActive {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

// StateReport is the body of the state endpoint.
type StateReport struct {
	Version     string       `json:"version"`
	State       string       `json:"state"`
	SkipWaiting bool         `json:"skipWaiting"`
	Generations []Generation `json:"generations"`
}

// Generation describes one stored generation. Entries is -1 when the
// backend cannot count.
type Generation struct {
	Tag     string `json:"tag"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	worker := s.source.Current()
	if worker == nil {
		http.Error(w, "no active worker", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()
	st := worker.Store()
	tags, err := st.Tags(ctx)
	if err != nil {
		s.logger.Warn("listing generations failed", zap.Error(err))
		http.Error(w, "listing generations failed", http.StatusInternalServerError)
		return
	}

	report := StateReport{
		Version:     worker.Version(),
		State:       worker.State().String(),
		SkipWaiting: worker.SkipWaiting(),
		Generations: make([]Generation, 0, len(tags)),
	}
	counter, canCount := st.(store.Counter)
	for _, tag := range tags {
		g := Generation{Tag: tag, Entries: -1, Current: tag == worker.Version()}
		if canCount {
			if n, err := counter.Count(ctx, tag); err == nil {
				g.Entries = n
			}
		}
		report.Generations = append(report.Generations, g)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Debug("writing state failed", zap.Error(err))
	}
}

func (s *Server) message(w http.ResponseWriter, r *http.Request) {
	worker := s.source.Current()
	if worker == nil {
		http.Error(w, "no active worker", http.StatusServiceUnavailable)
		return
	}

	var payload any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&payload); err != nil {
		http.Error(w, "invalid message: "+err.Error(), http.StatusBadRequest)
		return
	}

	out := worker.Dispatch(r.Context(), shellcache.Event{Trigger: shellcache.TriggerMessage, Payload: payload})
	if out.Err != nil {
		http.Error(w, out.Err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) skipWaiting(p Promoter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.Promote(r.Context()); err != nil {
			s.logger.Info("skip-waiting rejected", zap.Error(err))
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
