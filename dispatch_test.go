package shellcache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/discochess/shellcache/internal/store/memstore"
)

func TestWorker_Dispatch(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, memstore.New(), newUpstream())
	defer w.Close()

	for _, tr := range []Trigger{TriggerInstall, TriggerActivate} {
		if out := w.Dispatch(ctx, Event{Trigger: tr}); out.Err != nil {
			t.Fatalf("Dispatch(%s) error = %v", tr, out.Err)
		}
	}

	out := w.Dispatch(ctx, Event{
		Trigger: TriggerFetch,
		Request: httptest.NewRequest(http.MethodGet, testOrigin+"/", nil),
	})
	if out.Err != nil {
		t.Fatalf("Dispatch(fetch) error = %v", out.Err)
	}
	if out.Response == nil || out.Response.Status != http.StatusOK {
		t.Errorf("Dispatch(fetch) response = %+v, want 200", out.Response)
	}

	if out := w.Dispatch(ctx, Event{Trigger: TriggerMessage, Payload: map[string]any{"type": "ping"}}); out.Err != nil {
		t.Errorf("Dispatch(message) error = %v", out.Err)
	}
}

func TestWorker_DispatchErrors(t *testing.T) {
	w := newTestWorker(t, memstore.New(), newUpstream())
	defer w.Close()

	tests := []struct {
		name string
		ev   Event
		want error
	}{
		{"unknown trigger", Event{Trigger: "sync"}, ErrUnknownTrigger},
		{"activate before install", Event{Trigger: TriggerActivate}, ErrInvalidState},
		{"fetch before active", Event{Trigger: TriggerFetch, Request: httptest.NewRequest(http.MethodGet, "/", nil)}, ErrNotActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := w.Dispatch(context.Background(), tt.ev)
			if !errors.Is(out.Err, tt.want) {
				t.Errorf("Dispatch() error = %v, want %v", out.Err, tt.want)
			}
		})
	}

	if out := w.Dispatch(context.Background(), Event{Trigger: TriggerFetch}); out.Err == nil {
		t.Error("fetch event without request should fail")
	}
}

func TestWorker_Submit(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t, memstore.New(), newUpstream())
	defer w.Close()

	p := w.Submit(ctx, Event{Trigger: TriggerInstall})
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("install did not settle")
	}
	out, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if out.Err != nil {
		t.Errorf("install outcome error = %v", out.Err)
	}
	if w.State() != StateInstalled {
		t.Errorf("State() = %v, want %v", w.State(), StateInstalled)
	}
}

func TestPending_WaitHonorsContext(t *testing.T) {
	p := &Pending{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}
