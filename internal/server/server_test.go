package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/discochess/shellcache"
	"github.com/discochess/shellcache/internal/manifest"
	"github.com/discochess/shellcache/internal/network"
	"github.com/discochess/shellcache/internal/snapshot"
	promstats "github.com/discochess/shellcache/internal/stats/prometheus"
	"github.com/discochess/shellcache/internal/store/memstore"
	"github.com/discochess/shellcache/internal/store/storetest"
)

type staticSource struct{ w *shellcache.Worker }

func (s staticSource) Current() *shellcache.Worker { return s.w }

// promotingSource counts Promote calls and fails with err.
type promotingSource struct {
	staticSource
	calls atomic.Int32
	err   error
}

func (s *promotingSource) Promote(context.Context) error {
	s.calls.Add(1)
	return s.err
}

// fakeNetwork answers every request with its URL, or fails while offline.
type fakeNetwork struct {
	offline atomic.Bool
	seen    atomic.Value
}

func (f *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*snapshot.Response, error) {
	f.seen.Store(req.URL.String())
	if f.offline.Load() {
		return nil, network.ErrFetch
	}
	resp := storetest.Response(http.StatusOK, "from "+req.URL.String())
	resp.Header.Set("Content-Type", "text/plain")
	resp.Source = snapshot.SourceNetwork
	return resp, nil
}

func newWorker(t *testing.T, fetcher network.Fetcher, opts ...shellcache.Option) *shellcache.Worker {
	t.Helper()
	origin, _ := url.Parse("https://bus.example.com")
	base := []shellcache.Option{
		shellcache.WithStore(memstore.New()),
		shellcache.WithOrigin(origin),
		shellcache.WithFetcher(fetcher),
		shellcache.WithManifest(&manifest.Manifest{Version: "v1", Entries: []string{"/"}}),
	}
	w, err := shellcache.New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func activeWorker(t *testing.T, fetcher network.Fetcher, opts ...shellcache.Option) *shellcache.Worker {
	t.Helper()
	w := newWorker(t, fetcher, opts...)
	ctx := context.Background()
	if err := w.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := w.Activate(ctx); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	return w
}

func TestServer_ProxyOriginForm(t *testing.T) {
	up := &fakeNetwork{}
	srv := New(staticSource{activeWorker(t, up)})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stops?route=7", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := up.seen.Load(); got != "https://bus.example.com/api/stops?route=7" {
		t.Errorf("upstream url = %v", got)
	}
	if got := rec.Header().Get(SourceHeader); got != "network" {
		t.Errorf("%s = %q, want network", SourceHeader, got)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestServer_ProxyAbsoluteForm(t *testing.T) {
	up := &fakeNetwork{}
	srv := New(staticSource{activeWorker(t, up)})

	const tile = "https://tile.openstreetmap.org/5/10/12.png"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tile, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// A stored tile is served while offline.
	up.offline.Store(true)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tile, nil))
	if got := rec.Header().Get(SourceHeader); got != "cache" {
		t.Errorf("%s = %q, want cache", SourceHeader, got)
	}
	if body := rec.Body.String(); body != "from "+tile {
		t.Errorf("body = %q", body)
	}
}

func TestServer_AbsoluteAdminPathIsProxied(t *testing.T) {
	up := &fakeNetwork{}
	srv := New(staticSource{activeWorker(t, up)})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://other.example.com/_shellcache/state", nil))
	if got := up.seen.Load(); got != "https://other.example.com/_shellcache/state" {
		t.Errorf("upstream url = %v, want the proxied admin path", got)
	}
}

func TestServer_OfflineResponse(t *testing.T) {
	up := &fakeNetwork{}
	w := newWorker(t, up, shellcache.WithManifest(&manifest.Manifest{Version: "v1", Entries: []string{"/index.html"}}))
	ctx := context.Background()
	if err := w.Install(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	up.offline.Store(true)

	rec := httptest.NewRecorder()
	New(staticSource{w}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if got := rec.Header().Get(SourceHeader); got != "offline" {
		t.Errorf("%s = %q, want offline", SourceHeader, got)
	}
}

func TestServer_HeadOmitsBody(t *testing.T) {
	srv := New(staticSource{activeWorker(t, &fakeNetwork{})})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/", nil))
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD body = %q, want empty", rec.Body.String())
	}
}

func TestServer_NotReady(t *testing.T) {
	tests := []struct {
		name   string
		source Source
	}{
		{"no worker", staticSource{}},
		{"installed only", staticSource{newWorker(t, &fakeNetwork{})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(tt.source)
			for _, path := range []string{"/", AdminPrefix + "healthz"} {
				rec := httptest.NewRecorder()
				srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
				if rec.Code != http.StatusServiceUnavailable {
					t.Errorf("GET %s status = %d, want 503", path, rec.Code)
				}
			}
		})
	}
}

func TestServer_Healthz(t *testing.T) {
	srv := New(staticSource{activeWorker(t, &fakeNetwork{})})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, AdminPrefix+"healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestServer_State(t *testing.T) {
	w := activeWorker(t, &fakeNetwork{})
	if err := w.Store().Open(context.Background(), "v0"); err != nil {
		t.Fatal(err)
	}
	srv := New(staticSource{w})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, AdminPrefix+"state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var got StateReport
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	if got.Version != "v1" || got.State != "active" || !got.SkipWaiting {
		t.Errorf("state = %+v", got)
	}
	want := []Generation{
		{Tag: "v0", Entries: 0},
		{Tag: "v1", Entries: 1, Current: true},
	}
	if len(got.Generations) != len(want) {
		t.Fatalf("generations = %+v, want %+v", got.Generations, want)
	}
	for i := range want {
		if got.Generations[i] != want[i] {
			t.Errorf("generation[%d] = %+v, want %+v", i, got.Generations[i], want[i])
		}
	}
}

func TestServer_Message(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	w := activeWorker(t, &fakeNetwork{}, shellcache.WithLogger(zap.New(core)))
	srv := New(staticSource{w})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, AdminPrefix+"message", strings.NewReader(`{"type":"hello"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if n := logs.FilterMessage("message").Len(); n != 1 {
		t.Errorf("message log entries = %d, want 1", n)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, AdminPrefix+"message", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed message status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, AdminPrefix+"message", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET message status = %d, want 405", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	w := activeWorker(t, &fakeNetwork{}, shellcache.WithStats(promstats.New(reg)))
	srv := New(staticSource{w}, WithGatherer(reg))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, AdminPrefix+"metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "shellcache_fetches_total 1") {
		t.Errorf("metrics missing fetch counter:\n%s", body)
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	srv := New(staticSource{activeWorker(t, &fakeNetwork{})})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, AdminPrefix+"metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServer_Handler(t *testing.T) {
	ts := httptest.NewServer(New(staticSource{activeWorker(t, &fakeNetwork{})}).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + AdminPrefix + "healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestServer_ClosedWorker(t *testing.T) {
	w := activeWorker(t, &fakeNetwork{})
	if err := w.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	New(staticSource{w}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestServer_SkipWaiting(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "promoted", want: http.StatusNoContent},
		{name: "nothing waiting", err: errors.New("no waiting worker"), want: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &promotingSource{staticSource: staticSource{activeWorker(t, &fakeNetwork{})}, err: tt.err}

			rec := httptest.NewRecorder()
			New(src).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, AdminPrefix+"skip-waiting", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if n := src.calls.Load(); n != 1 {
				t.Errorf("Promote calls = %d, want 1", n)
			}
		})
	}
}

func TestServer_SkipWaitingUnsupported(t *testing.T) {
	rec := httptest.NewRecorder()
	New(staticSource{activeWorker(t, &fakeNetwork{})}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, AdminPrefix+"skip-waiting", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
