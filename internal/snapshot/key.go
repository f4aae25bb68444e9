// Package snapshot defines the request keys and captured responses that are
// kept in store generations.
package snapshot

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key identifies a cache entry. Request headers are not part of the key.
type Key struct {
	Method string
	URL    string
}

// NewKey builds a normalized key from a method and a URL.
func NewKey(method string, u *url.URL) Key {
	if method == "" {
		method = http.MethodGet
	}
	return Key{
		Method: strings.ToUpper(method),
		URL:    NormalizeURL(u),
	}
}

// KeyFor returns the key for an incoming request.
func KeyFor(r *http.Request) Key {
	return NewKey(r.Method, r.URL)
}

// ParseKey parses a raw URL into a GET key.
func ParseKey(rawURL string) (Key, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, fmt.Errorf("parsing url %q: %w", rawURL, err)
	}
	return NewKey(http.MethodGet, u), nil
}

// String returns "METHOD URL".
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Hash returns a stable hex digest of the key, suitable for file and object names.
func (k Key) Hash() string {
	return strconv.FormatUint(xxhash.Sum64String(k.String()), 16)
}

// NormalizeURL lower-cases scheme and host, strips default ports and the
// fragment, and turns an empty path into "/".
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return "/"
	}
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil

	if port := n.Port(); port != "" {
		if (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
			n.Host = strings.TrimSuffix(n.Host, ":"+port)
		}
	}
	if n.Path == "" && n.Opaque == "" {
		n.Path = "/"
		n.RawPath = ""
	}
	return n.String()
}
