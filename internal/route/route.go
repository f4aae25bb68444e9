// Package route classifies intercepted requests into a caching strategy.
package route

import (
	"net/http"
	"strings"
)

// Strategy names how a request is served.
type Strategy int

const (
	// Generic requests go to the network first and fall back to the store.
	Generic Strategy = iota
	// TileFirst requests are served from the store when present.
	TileFirst
)

// String returns the strategy name used in logs and metrics.
func (s Strategy) String() string {
	switch s {
	case TileFirst:
		return "tile-first"
	default:
		return "generic"
	}
}

// DefaultTileHosts are the map tile providers used by the application.
var DefaultTileHosts = []string{
	"tile.openstreetmap.org",
	"server.arcgisonline.com",
}

// Selector picks a Strategy for a request. The zero value classifies
// everything as Generic.
type Selector struct {
	patterns []string
}

// New returns a Selector matching the given host patterns. A hostname
// matches a pattern when it equals it or contains it, so
// "a.tile.openstreetmap.org" matches "tile.openstreetmap.org".
// With no patterns, DefaultTileHosts is used.
func New(patterns ...string) *Selector {
	if len(patterns) == 0 {
		patterns = DefaultTileHosts
	}
	s := &Selector{patterns: make([]string, 0, len(patterns))}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			s.patterns = append(s.patterns, p)
		}
	}
	return s
}

// Patterns returns the configured host patterns.
func (s *Selector) Patterns() []string {
	return append([]string(nil), s.patterns...)
}

// Classify returns TileFirst for GET requests to a tile host and Generic
// for everything else.
func (s *Selector) Classify(req *http.Request) Strategy {
	if req == nil || req.URL == nil {
		return Generic
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return Generic
	}
	if s.IsTileHost(req.URL.Hostname()) {
		return TileFirst
	}
	return Generic
}

// IsTileHost reports whether hostname matches a tile host pattern.
func (s *Selector) IsTileHost(hostname string) bool {
	if hostname == "" {
		return false
	}
	hostname = strings.ToLower(hostname)
	for _, p := range s.patterns {
		if strings.Contains(hostname, p) {
			return true
		}
	}
	return false
}
