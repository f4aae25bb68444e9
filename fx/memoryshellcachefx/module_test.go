package memoryshellcachefx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/discochess/shellcache"
	"github.com/discochess/shellcache/internal/app"
	"github.com/discochess/shellcache/internal/manifest"
	"github.com/discochess/shellcache/internal/network"
	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/store/memstore"
	"github.com/discochess/shellcache/internal/store/storetest"
)

func echo(ctx context.Context, req *http.Request) (*snapshot.Response, error) {
	resp := storetest.Response(http.StatusOK, req.URL.String())
	resp.Source = snapshot.SourceNetwork
	return resp, nil
}

func TestModule(t *testing.T) {
	var (
		host  *app.Host
		store *memstore.Store
	)

	fxApp := fxtest.New(t,
		fx.Provide(func() *zap.Logger { return zaptest.NewLogger(t) }),
		fx.Supply(&manifest.Manifest{Version: "fx-v1", Entries: []string{"/"}}),
		fx.Supply([]shellcache.Option{shellcache.WithFetcher(network.FetcherFunc(echo))}),
		Module,
		fx.Populate(&host, &store),
	)
	fxApp.RequireStart()

	w := host.Current()
	if w == nil || w.State() != shellcache.StateActive {
		t.Fatalf("Current() = %v, want an active worker", w)
	}
	if w.Version() != "fx-v1" {
		t.Errorf("Version() = %q, want fx-v1", w.Version())
	}

	ctx := context.Background()
	n, err := store.Count(ctx, "fx-v1")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}

	resp, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.Status)
	}

	fxApp.RequireStop()
	if w.State() != shellcache.StateClosed {
		t.Errorf("State() after stop = %s, want closed", w.State())
	}
}
