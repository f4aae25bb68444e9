// Package manifest describes the application shell: the resources that are
// fetched into a new store generation at install time.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/store"
)

// DefaultVersion is the generation tag of the built-in manifest.
const DefaultVersion = "bus-tracker-v1"

// ErrInvalid is returned for a manifest that cannot name a generation.
var ErrInvalid = errors.New("manifest: invalid manifest")

// Manifest lists the shell resources of one application version.
type Manifest struct {
	// Version is the store generation tag.
	Version string `json:"version"`
	// Entries are URLs, either relative to the application origin or
	// absolute cross-origin URLs.
	Entries []string `json:"entries"`
}

// Default returns the built-in shell manifest.
func Default() *Manifest {
	return &Manifest{
		Version: DefaultVersion,
		Entries: []string{
			"/",
			"index.html",
			"manifest.json",
			"icon.png",
			// CDN resources are best-effort.
			"https://cdn.tailwindcss.com",
			"https://unpkg.com/leaflet@1.9.4/dist/leaflet.css",
			"https://unpkg.com/leaflet@1.9.4/dist/leaflet.js",
			"https://cdn.socket.io/4.5.4/socket.io.min.js",
		},
	}
}

// Validate checks the version and that every entry parses.
func (m *Manifest) Validate() error {
	if err := store.ValidateTag(m.Version); err != nil {
		return fmt.Errorf("%w: version %q", ErrInvalid, m.Version)
	}
	for _, e := range m.Entries {
		if strings.TrimSpace(e) == "" {
			return fmt.Errorf("%w: empty entry", ErrInvalid)
		}
		if _, err := url.Parse(e); err != nil {
			return fmt.Errorf("%w: entry %q: %v", ErrInvalid, e, err)
		}
	}
	return nil
}

// Resource is a manifest entry resolved against the application origin.
type Resource struct {
	Entry      string
	URL        *url.URL
	SameOrigin bool
}

// Key returns the store key of the resource.
func (r Resource) Key() snapshot.Key {
	return snapshot.NewKey("GET", r.URL)
}

// Resolve resolves entries against origin, dropping duplicates. Entries
// keep their manifest order.
func (m *Manifest) Resolve(origin *url.URL) ([]Resource, error) {
	if origin == nil || !origin.IsAbs() {
		return nil, fmt.Errorf("manifest: origin %q is not absolute", origin)
	}
	base := *origin
	if base.Path == "" {
		base.Path = "/"
	}

	seen := make(map[string]bool, len(m.Entries))
	out := make([]Resource, 0, len(m.Entries))
	for _, e := range m.Entries {
		ref, err := url.Parse(strings.TrimSpace(e))
		if err != nil {
			return nil, fmt.Errorf("%w: entry %q: %v", ErrInvalid, e, err)
		}
		u := base.ResolveReference(ref)
		norm := snapshot.NormalizeURL(u)
		if seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, Resource{
			Entry:      e,
			URL:        u,
			SameOrigin: strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host),
		})
	}
	return out, nil
}

// Read loads and validates a manifest file.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Write writes the manifest to path atomically.
func Write(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// Load returns the manifest at path, or Default when path is empty.
func Load(path string) (*Manifest, error) {
	if path == "" {
		return Default(), nil
	}
	return Read(path)
}
