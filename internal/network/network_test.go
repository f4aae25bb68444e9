package network

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", raw, err)
	}
	return u
}

func TestClient_Fetch(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "png bytes")
	}))
	defer srv.Close()

	c := New(WithHTTPClient(srv.Client()), WithUserAgent("shellcache-test"), WithLogger(zaptest.NewLogger(t)))

	req := httptest.NewRequest(http.MethodGet, srv.URL+"/5/10/12.png", nil)
	req.Header.Set("Proxy-Authorization", "secret")
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set("X-Custom", "kept")

	got, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got.Status != http.StatusOK {
		t.Errorf("Status = %d, want %d", got.Status, http.StatusOK)
	}
	if string(got.Body) != "png bytes" {
		t.Errorf("Body = %q, want %q", got.Body, "png bytes")
	}
	if got.Header.Get("Connection") != "" {
		t.Error("hop header Connection should be stripped from the response")
	}
	if got.URL != srv.URL+"/5/10/12.png" {
		t.Errorf("URL = %q", got.URL)
	}
	if got.Opaque {
		t.Error("cors-mode response should not be opaque")
	}

	if gotHeaders.Get("Proxy-Authorization") != "" {
		t.Error("hop header Proxy-Authorization should not be forwarded")
	}
	if gotHeaders.Get("X-Custom") != "kept" {
		t.Error("end-to-end header X-Custom should be forwarded")
	}
	if ae := gotHeaders.Get("Accept-Encoding"); strings.Contains(ae, "br") {
		t.Errorf("Accept-Encoding = %q, client value should not be forwarded", ae)
	}
	if ua := gotHeaders.Get("User-Agent"); ua != "shellcache-test" {
		t.Errorf("User-Agent = %q, want %q", ua, "shellcache-test")
	}
}

func TestClient_FetchErrorStatusIsNotFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(WithHTTPClient(srv.Client()))
	got, err := c.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, srv.URL+"/missing", nil))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", got.Status, http.StatusNotFound)
	}
}

func TestClient_FetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := New()
	_, err := c.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, addr+"/app.js", nil))
	if !errors.Is(err, ErrFetch) {
		t.Errorf("Fetch() error = %v, want ErrFetch", err)
	}
}

func TestClient_FetchRelativeURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	req.URL.Scheme = ""
	req.URL.Host = ""

	_, err := New().Fetch(context.Background(), req)
	if !errors.Is(err, ErrFetch) {
		t.Errorf("Fetch() error = %v, want ErrFetch", err)
	}
}

func TestClient_Opaque(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cors") == "1" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		io.WriteString(w, "cdn")
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		origin string
		mode   Mode
		query  string
		want   bool
	}{
		{"cors mode", "https://bus.example.com", ModeCORS, "", false},
		{"no-cors cross-origin", "https://bus.example.com", ModeNoCORS, "", true},
		{"no-cors cross-origin with acao", "https://bus.example.com", ModeNoCORS, "?cors=1", false},
		{"no-cors same-origin", srv.URL, ModeNoCORS, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(WithHTTPClient(srv.Client()), WithOrigin(mustParse(t, tt.origin)))
			ctx := WithMode(context.Background(), tt.mode)
			got, err := c.Fetch(ctx, httptest.NewRequest(http.MethodGet, srv.URL+"/lib.js"+tt.query, nil))
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if got.Opaque != tt.want {
				t.Errorf("Opaque = %v, want %v", got.Opaque, tt.want)
			}
		})
	}
}

func TestModeFrom_Default(t *testing.T) {
	if got := ModeFrom(context.Background()); got != ModeCORS {
		t.Errorf("ModeFrom() = %v, want ModeCORS", got)
	}
}

func TestNewHTTPClient(t *testing.T) {
	cfg := DefaultTransportConfig()
	c := NewHTTPClient(cfg)
	if c.Timeout != cfg.Timeout {
		t.Errorf("Timeout = %v, want %v", c.Timeout, cfg.Timeout)
	}
	if c.Transport == nil {
		t.Error("Transport should be set")
	}
}
