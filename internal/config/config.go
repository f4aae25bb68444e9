// Package config loads shellcache host configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
)

// ErrInvalid indicates a configuration that cannot be used.
var ErrInvalid = errors.New("config: invalid")

// Storage backends.
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendGCS    = "gcs"
	BackendS3     = "s3"
)

// Codecs for backends that store encoded entries.
const (
	CodecZstd = "zstd"
	CodecGzip = "gzip"
	CodecNone = "none"
)

// Metrics sinks.
const (
	MetricsPrometheus = "prometheus"
	MetricsLog        = "log"
	MetricsNone       = "none"
)

var (
	backends = []string{BackendMemory, BackendDisk, BackendSQLite, BackendRedis, BackendGCS, BackendS3}
	codecs   = []string{CodecZstd, CodecGzip, CodecNone}
	sinks    = []string{MetricsPrometheus, MetricsLog, MetricsNone}
)

// Config is the host configuration. Every field can be set from a
// SHELLCACHE_* environment variable; CLI flags override it.
type Config struct {
	Origin string `env:"SHELLCACHE_ORIGIN" envDefault:"http://localhost:8080"`
	Listen string `env:"SHELLCACHE_LISTEN" envDefault:":8081"`

	// ManifestPath names a JSON shell manifest. Empty uses the built-in one.
	ManifestPath  string `env:"SHELLCACHE_MANIFEST"`
	WatchManifest bool   `env:"SHELLCACHE_WATCH_MANIFEST" envDefault:"false"`

	TileHosts []string `env:"SHELLCACHE_TILE_HOSTS" envSeparator:","`

	Backend    string `env:"SHELLCACHE_BACKEND"     envDefault:"disk"`
	Codec      string `env:"SHELLCACHE_CODEC"       envDefault:"zstd"`
	DataDir    string `env:"SHELLCACHE_DATA_DIR"    envDefault:"./data"`
	SQLitePath string `env:"SHELLCACHE_SQLITE_PATH"`
	RedisURL   string `env:"SHELLCACHE_REDIS_URL"`
	Bucket     string `env:"SHELLCACHE_BUCKET"`
	Prefix     string `env:"SHELLCACHE_PREFIX"`
	Region     string `env:"SHELLCACHE_S3_REGION"`
	Endpoint   string `env:"SHELLCACHE_S3_ENDPOINT"`

	// ReadCacheEntries sizes the in-memory LRU in front of the backend.
	// Zero disables it.
	ReadCacheEntries int `env:"SHELLCACHE_READ_CACHE_ENTRIES" envDefault:"1024"`

	// MaxEntrySize is a human readable size such as "10MB". Empty means no
	// limit.
	MaxEntrySize       string        `env:"SHELLCACHE_MAX_ENTRY_SIZE"     envDefault:"10MB"`
	WriteTimeout       time.Duration `env:"SHELLCACHE_WRITE_TIMEOUT"      envDefault:"5s"`
	InstallConcurrency int           `env:"SHELLCACHE_INSTALL_CONCURRENCY" envDefault:"4"`
	InstallMaxElapsed  time.Duration `env:"SHELLCACHE_INSTALL_MAX_ELAPSED" envDefault:"2m"`

	// SkipWaiting activates a new manifest version as soon as it is
	// installed. When false it waits for POST /_shellcache/skip-waiting.
	SkipWaiting bool `env:"SHELLCACHE_SKIP_WAITING" envDefault:"true"`

	Metrics   string `env:"SHELLCACHE_METRICS"    envDefault:"prometheus"`
	LogLevel  string `env:"SHELLCACHE_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"SHELLCACHE_LOG_FORMAT" envDefault:"json"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks that the fields required by the selected backend are set.
func (c Config) Validate() error {
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if _, err := c.MaxEntryBytes(); err != nil {
		return err
	}
	if !slices.Contains(backends, c.Backend) {
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	if !slices.Contains(codecs, c.Codec) {
		return fmt.Errorf("%w: unknown codec %q", ErrInvalid, c.Codec)
	}
	if !slices.Contains(sinks, c.Metrics) {
		return fmt.Errorf("%w: unknown metrics sink %q", ErrInvalid, c.Metrics)
	}
	if c.ReadCacheEntries < 0 {
		return fmt.Errorf("%w: negative read cache size", ErrInvalid)
	}

	var missing string
	switch c.Backend {
	case BackendDisk:
		if c.DataDir == "" {
			missing = "SHELLCACHE_DATA_DIR"
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			missing = "SHELLCACHE_SQLITE_PATH"
		}
	case BackendRedis:
		if c.RedisURL == "" {
			missing = "SHELLCACHE_REDIS_URL"
		}
	case BackendGCS, BackendS3:
		if c.Bucket == "" {
			missing = "SHELLCACHE_BUCKET"
		}
	}
	if missing != "" {
		return fmt.Errorf("%w: %s backend requires %s", ErrInvalid, c.Backend, missing)
	}
	return nil
}

// OriginURL parses Origin, which must be absolute.
func (c Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, fmt.Errorf("%w: origin: %w", ErrInvalid, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: origin %q is not absolute", ErrInvalid, c.Origin)
	}
	return u, nil
}

// MaxEntryBytes parses MaxEntrySize. An empty value means no limit.
func (c Config) MaxEntryBytes() (int64, error) {
	s := strings.TrimSpace(c.MaxEntrySize)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: max entry size: %w", ErrInvalid, err)
	}
	return int64(n), nil
}
