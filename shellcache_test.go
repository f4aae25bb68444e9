package shellcache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/discochess/shellcache/internal/manifest"
	"github.com/discochess/shellcache/internal/network"
	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/store"
	"github.com/discochess/shellcache/internal/store/memstore"
	"github.com/discochess/shellcache/internal/store/storetest"
)

const testOrigin = "https://bus.example.com"

// upstream is a fake network keyed by normalized URL. Unknown URLs are 404.
type upstream struct {
	mu        sync.Mutex
	responses map[string]*snapshot.Response
	failing   map[string]bool
	offline   bool
	calls     map[string]int
}

func newUpstream() *upstream {
	u := &upstream{
		responses: make(map[string]*snapshot.Response),
		failing:   make(map[string]bool),
		calls:     make(map[string]int),
	}
	for _, raw := range []string{
		testOrigin + "/",
		testOrigin + "/index.html",
		testOrigin + "/manifest.json",
		testOrigin + "/icon.png",
		"https://cdn.tailwindcss.com",
		"https://unpkg.com/leaflet@1.9.4/dist/leaflet.css",
		"https://unpkg.com/leaflet@1.9.4/dist/leaflet.js",
		"https://cdn.socket.io/4.5.4/socket.io.min.js",
	} {
		u.set(raw, http.StatusOK, "body of "+raw)
	}
	return u
}

func (u *upstream) set(raw string, status int, body string) {
	parsed, _ := url.Parse(raw)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.responses[snapshot.NormalizeURL(parsed)] = storetest.Response(status, body)
}

func (u *upstream) fail(raw string) {
	parsed, _ := url.Parse(raw)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failing[snapshot.NormalizeURL(parsed)] = true
}

func (u *upstream) setOffline(offline bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.offline = offline
}

func (u *upstream) callCount(raw string) int {
	parsed, _ := url.Parse(raw)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[snapshot.NormalizeURL(parsed)]
}

func (u *upstream) Fetch(ctx context.Context, req *http.Request) (*snapshot.Response, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	k := snapshot.NormalizeURL(req.URL)
	u.calls[k]++
	if u.offline || u.failing[k] {
		return nil, network.ErrFetch
	}
	resp, ok := u.responses[k]
	if !ok {
		resp = storetest.Response(http.StatusNotFound, "not found")
	}
	out := resp.Clone()
	out.Source = snapshot.SourceNetwork
	out.Opaque = network.ModeFrom(ctx) == network.ModeNoCORS
	return out, nil
}

func mustOrigin(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(testOrigin)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func newTestWorker(t *testing.T, s store.Store, up network.Fetcher, opts ...Option) *Worker {
	t.Helper()
	base := []Option{
		WithStore(s),
		WithOrigin(mustOrigin(t)),
		WithFetcher(up),
		WithLogger(zaptest.NewLogger(t)),
	}
	w, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return w
}

func activate(t *testing.T, w *Worker) {
	t.Helper()
	ctx := context.Background()
	if err := w.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := w.Activate(ctx); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New()
	if !errors.Is(err, ErrNoStore) {
		t.Errorf("New() error = %v, want ErrNoStore", err)
	}
}

func TestNew_Validation(t *testing.T) {
	rel, _ := url.Parse("/relative")

	tests := []struct {
		name string
		opts []Option
	}{
		{"invalid manifest", []Option{WithManifest(&manifest.Manifest{Version: ""})}},
		{"relative origin", []Option{WithOrigin(rel)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]Option{WithStore(memstore.New())}, tt.opts...)
			if _, err := New(opts...); err == nil {
				t.Error("New() should return error")
			}
		})
	}
}

func TestWorker_Defaults(t *testing.T) {
	w, err := New(WithStore(memstore.New()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	if w.Version() != manifest.DefaultVersion {
		t.Errorf("Version() = %q, want %q", w.Version(), manifest.DefaultVersion)
	}
	if w.Origin().String() != DefaultOrigin {
		t.Errorf("Origin() = %q, want %q", w.Origin(), DefaultOrigin)
	}
	if !w.SkipWaiting() {
		t.Error("SkipWaiting() should default to true")
	}
	if w.State() != StateUninstalled {
		t.Errorf("State() = %v, want %v", w.State(), StateUninstalled)
	}
}

func TestWorker_LifecycleOrder(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, memstore.New(), newUpstream())
	defer w.Close()

	if err := w.Activate(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Activate() before Install error = %v, want ErrInvalidState", err)
	}
	if _, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, testOrigin+"/", nil)); !errors.Is(err, ErrNotActive) {
		t.Errorf("Fetch() before Activate error = %v, want ErrNotActive", err)
	}

	if err := w.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if w.State() != StateInstalled {
		t.Errorf("State() = %v, want %v", w.State(), StateInstalled)
	}
	if err := w.Install(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Install() error = %v, want ErrInvalidState", err)
	}
	if _, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, testOrigin+"/", nil)); !errors.Is(err, ErrNotActive) {
		t.Errorf("Fetch() while installed error = %v, want ErrNotActive", err)
	}

	if err := w.Activate(ctx); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if w.State() != StateActive {
		t.Errorf("State() = %v, want %v", w.State(), StateActive)
	}
	if err := w.Activate(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Activate() error = %v, want ErrInvalidState", err)
	}
}

func TestWorker_InstallPopulatesShell(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	w := newTestWorker(t, s, newUpstream())
	defer w.Close()

	if err := w.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	n, err := s.Count(ctx, manifest.DefaultVersion)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 8 {
		t.Errorf("Count() = %d, want 8", n)
	}

	index, err := s.Match(ctx, manifest.DefaultVersion, storetest.MustKey(t, testOrigin+"/index.html"))
	if err != nil {
		t.Fatalf("Match(index.html) error = %v", err)
	}
	if index.Opaque {
		t.Error("same-origin entry should not be opaque")
	}

	cdn, err := s.Match(ctx, manifest.DefaultVersion, storetest.MustKey(t, "https://cdn.tailwindcss.com"))
	if err != nil {
		t.Fatalf("Match(cdn) error = %v", err)
	}
	if !cdn.Opaque {
		t.Error("cross-origin entry should be fetched in no-cors mode")
	}
}

func TestWorker_InstallRequiredEntryFails(t *testing.T) {
	tests := []struct {
		name  string
		setup func(u *upstream)
	}{
		{"network failure", func(u *upstream) { u.fail(testOrigin + "/icon.png") }},
		{"error status", func(u *upstream) { u.set(testOrigin+"/manifest.json", http.StatusInternalServerError, "oops") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := memstore.New()
			up := newUpstream()
			tt.setup(up)
			w := newTestWorker(t, s, up)
			defer w.Close()

			if err := w.Install(ctx); !errors.Is(err, ErrPopulation) {
				t.Fatalf("Install() error = %v, want ErrPopulation", err)
			}
			if w.State() != StateUninstalled {
				t.Errorf("State() = %v, want %v", w.State(), StateUninstalled)
			}
			tags, err := s.Tags(ctx)
			if err != nil {
				t.Fatalf("Tags() error = %v", err)
			}
			if len(tags) != 0 {
				t.Errorf("Tags() = %v, failed install should write nothing", tags)
			}

			// The host retries once the network recovers.
			up.mu.Lock()
			up.failing = map[string]bool{}
			up.mu.Unlock()
			up.set(testOrigin+"/manifest.json", http.StatusOK, "{}")
			if err := w.Install(ctx); err != nil {
				t.Errorf("retried Install() error = %v", err)
			}
		})
	}
}

func TestWorker_InstallReusesStoredGeneration(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	first := newTestWorker(t, s, newUpstream())
	if err := first.Install(ctx); err != nil {
		t.Fatalf("first Install() error = %v", err)
	}
	if err := first.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	up := newUpstream()
	up.setOffline(true)
	w := newTestWorker(t, s, up)
	defer w.Close()

	if err := w.Install(ctx); err != nil {
		t.Fatalf("Install() from stored generation error = %v", err)
	}
	if w.State() != StateInstalled {
		t.Errorf("State() = %v, want %v", w.State(), StateInstalled)
	}
	if n := up.callCount(testOrigin + "/"); n != 0 {
		t.Errorf("upstream root calls = %d, want 0", n)
	}
}

func TestWorker_InstallCrossOriginBestEffort(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	up := newUpstream()
	up.fail("https://cdn.socket.io/4.5.4/socket.io.min.js")
	w := newTestWorker(t, s, up)
	defer w.Close()

	if err := w.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	n, err := s.Count(ctx, manifest.DefaultVersion)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 7 {
		t.Errorf("Count() = %d, want 7", n)
	}
}

func TestWorker_ActivatePurgesOldGenerations(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	key := storetest.MustKey(t, testOrigin+"/")
	for _, tag := range []string{"v1", "v2"} {
		if err := s.Put(ctx, tag, key, storetest.Response(http.StatusOK, tag)); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	claimed := false
	w := newTestWorker(t, s, newUpstream(),
		WithManifest(&manifest.Manifest{Version: "v2", Entries: []string{"/"}}),
		WithClaimHook(func(context.Context) error { claimed = true; return nil }),
	)
	defer w.Close()
	activate(t, w)

	tags, err := s.Tags(ctx)
	if err != nil {
		t.Fatalf("Tags() error = %v", err)
	}
	if want := []string{"v2"}; !reflect.DeepEqual(tags, want) {
		t.Errorf("Tags() = %v, want %v", tags, want)
	}
	if !claimed {
		t.Error("claim hook should run during activation")
	}
}

// undeletable fails every Delete.
type undeletable struct{ *memstore.Store }

func (undeletable) Delete(ctx context.Context, tag string) error {
	return errors.New("permission denied")
}

func TestWorker_PurgeFailureDoesNotBlockActivation(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	if err := mem.Open(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	w := newTestWorker(t, undeletable{mem}, newUpstream(),
		WithClaimHook(func(context.Context) error { return errors.New("no clients") }),
	)
	defer w.Close()
	activate(t, w)

	if w.State() != StateActive {
		t.Errorf("State() = %v, want %v", w.State(), StateActive)
	}
}

func TestWorker_TileScenario(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	up := newUpstream()
	const tile = "https://tile.openstreetmap.org/5/10/12.png"
	up.set(tile, http.StatusOK, "png")
	w := newTestWorker(t, s, up)
	defer w.Close()
	activate(t, w)

	resp, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, tile, nil))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Status != http.StatusOK || resp.Source != snapshot.SourceNetwork {
		t.Errorf("first Fetch() = %d from %s, want 200 from network", resp.Status, resp.Source)
	}
	if _, err := s.Match(ctx, manifest.DefaultVersion, storetest.MustKey(t, tile)); err != nil {
		t.Fatalf("tile should be stored after a 200: %v", err)
	}

	// Second fetch is served without touching the network.
	up.setOffline(true)
	resp, err = w.Fetch(ctx, httptest.NewRequest(http.MethodGet, tile, nil))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Source != snapshot.SourceCache || string(resp.Body) != "png" {
		t.Errorf("second Fetch() = %q from %s, want stored tile", resp.Body, resp.Source)
	}
	if n := up.callCount(tile); n != 1 {
		t.Errorf("upstream tile calls = %d, want 1", n)
	}
}

func TestWorker_GenericMirroredAfterFlush(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	up := newUpstream()
	up.set(testOrigin+"/api/routes", http.StatusOK, `{"routes":[]}`)
	w := newTestWorker(t, s, up)
	defer w.Close()
	activate(t, w)

	resp, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, testOrigin+"/api/routes", nil))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(resp.Body) != `{"routes":[]}` {
		t.Errorf("Body = %q", resp.Body)
	}

	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if _, err := s.Match(ctx, manifest.DefaultVersion, storetest.MustKey(t, testOrigin+"/api/routes")); err != nil {
		t.Errorf("Match() after Flush error = %v", err)
	}
}

func TestWorker_OfflineAppJSFallsBackToRoot(t *testing.T) {
	ctx := context.Background()
	up := newUpstream()
	w := newTestWorker(t, memstore.New(), up)
	defer w.Close()
	activate(t, w)

	up.setOffline(true)
	resp, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, testOrigin+"/app.js", nil))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Source != snapshot.SourceFallback {
		t.Errorf("Source = %q, want %q", resp.Source, snapshot.SourceFallback)
	}
	if want := "body of " + testOrigin + "/"; string(resp.Body) != want {
		t.Errorf("Body = %q, want %q", resp.Body, want)
	}
}

func TestWorker_RelativeRequestResolved(t *testing.T) {
	ctx := context.Background()
	up := newUpstream()
	w := newTestWorker(t, memstore.New(), up)
	defer w.Close()
	activate(t, w)

	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	resp, err := w.Fetch(ctx, req)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if want := "body of " + testOrigin + "/index.html"; string(resp.Body) != want {
		t.Errorf("Body = %q, want %q", resp.Body, want)
	}
}

func TestWorker_Close(t *testing.T) {
	w := newTestWorker(t, memstore.New(), newUpstream())
	activate(t, w)

	// First close should succeed.
	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	// Second close should return ErrClosed.
	if err := w.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("Close() second call error = %v, want ErrClosed", err)
	}

	_, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, testOrigin+"/", nil))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Fetch() after close error = %v, want ErrClosed", err)
	}
	if err := w.Install(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Install() after close error = %v, want ErrClosed", err)
	}
}

func TestWorker_DrainKeepsStoreOpen(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	w := newTestWorker(t, s, newUpstream())
	activate(t, w)

	if err := w.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if _, err := s.Tags(ctx); err != nil {
		t.Errorf("store should remain usable after Drain: %v", err)
	}
}

func TestWithDataDir(t *testing.T) {
	dir := t.TempDir()
	if err := manifest.Write(dir+"/"+ManifestFilename, &manifest.Manifest{Version: "disk-v3", Entries: []string{"/"}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	opt, err := WithDataDir(dir)
	if err != nil {
		t.Fatalf("WithDataDir() error = %v", err)
	}
	w, err := New(opt)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	if w.Version() != "disk-v3" {
		t.Errorf("Version() = %q, want %q", w.Version(), "disk-v3")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateUninstalled, "uninstalled"},
		{StateInstalling, "installing"},
		{StateInstalled, "installed"},
		{StateActivating, "activating"},
		{StateActive, "active"},
		{StateClosed, "closed"},
		{State(42), "State(42)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
