// Package cachestrategy defines cache eviction strategy interfaces.
package cachestrategy

import "github.com/discochess/shellcache/internal/snapshot"

// Strategy defines the interface for cache eviction strategies.
type Strategy interface {
	Get(key string) (*snapshot.Response, bool)
	Add(key string, value *snapshot.Response) bool
	Remove(key string) bool
	Keys() []string
	Len() int
}
