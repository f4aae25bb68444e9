package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/discochess/shellcache/internal/codec"
	"github.com/discochess/shellcache/internal/codec/gzipcodec"
	"github.com/discochess/shellcache/internal/codec/noopcodec"
	"github.com/discochess/shellcache/internal/codec/zstdcodec"
	"github.com/discochess/shellcache/internal/config"
	"github.com/discochess/shellcache/internal/stats"
	"github.com/discochess/shellcache/internal/store"
	"github.com/discochess/shellcache/internal/store/cachedstore"
	"github.com/discochess/shellcache/internal/store/cachedstore/cachestrategy/lru"
	"github.com/discochess/shellcache/internal/store/cachedstore/memory"
	"github.com/discochess/shellcache/internal/store/diskstore"
	"github.com/discochess/shellcache/internal/store/gcsstore"
	"github.com/discochess/shellcache/internal/store/memstore"
	"github.com/discochess/shellcache/internal/store/redisstore"
	"github.com/discochess/shellcache/internal/store/s3store"
	"github.com/discochess/shellcache/internal/store/sqlitestore"
)

// NewCodec returns the codec named in configuration.
func NewCodec(name string) (codec.Codec, error) {
	switch name {
	case config.CodecZstd:
		return zstdcodec.New(), nil
	case config.CodecGzip:
		return gzipcodec.New(), nil
	case config.CodecNone, "":
		return noopcodec.New(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// OpenStore opens the configured backend, fronted by an LRU read cache
// when cfg.ReadCacheEntries is positive.
func OpenStore(ctx context.Context, cfg config.Config, collector stats.Collector) (store.Store, error) {
	c, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	var st store.Store
	switch cfg.Backend {
	case config.BackendMemory:
		st = memstore.New()
	case config.BackendDisk:
		st, err = diskstore.New(cfg.DataDir, c)
	case config.BackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "shellcache.db")
		}
		st, err = sqlitestore.Open(path, c)
	case config.BackendRedis:
		st, err = redisstore.New(cfg.RedisURL, c)
	case config.BackendGCS:
		st, err = gcsstore.New(ctx, cfg.Bucket, c, gcsstore.WithPrefix(cfg.Prefix))
	case config.BackendS3:
		opts := []s3store.Option{s3store.WithPrefix(cfg.Prefix)}
		if cfg.Region != "" {
			opts = append(opts, s3store.WithRegion(cfg.Region))
		}
		if cfg.Endpoint != "" {
			opts = append(opts, s3store.WithEndpoint(cfg.Endpoint))
		}
		st, err = s3store.New(ctx, cfg.Bucket, c, opts...)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Backend, err)
	}

	if cfg.ReadCacheEntries <= 0 || cfg.Backend == config.BackendMemory {
		return st, nil
	}
	strategy, err := lru.New(cfg.ReadCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("creating read cache: %w", err)
	}
	return cachedstore.New(st, memory.New(strategy, collector)), nil
}
