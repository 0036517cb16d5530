package changelog

import (
	"log/slog"
	"time"

	"github.com/pbnjay/memory"
)

type PersistenceStrategy string

const (
	Async PersistenceStrategy = "async"
	Sync  PersistenceStrategy = "sync"
)

const (
	minCacheBytes     uint64 = 1 << 20
	maxCacheBytes     uint64 = 64 << 20
	fallbackCacheSize uint64 = 8 << 20
	defaultShards            = 16
)

var defaultAsyncFlushInterval = 1 * time.Second

type FileConfig struct {
	PersistenceStrategy  PersistenceStrategy
	AsyncFlushInterval   time.Duration
	TruncateFileWhenOpen bool
	DisableVacuumOnClose bool

	// CacheMaxBytes bounds the payload cache. Defaults to a share of the machine memory.
	CacheMaxBytes uint64
	CacheShards   int

	Logger *slog.Logger
}

func (cfg *FileConfig) applyDefaults() {
	if cfg.PersistenceStrategy == "" {
		cfg.PersistenceStrategy = Sync
	} else if cfg.PersistenceStrategy == Async && cfg.AsyncFlushInterval == 0 {
		cfg.AsyncFlushInterval = defaultAsyncFlushInterval
	}

	if cfg.CacheShards <= 0 {
		cfg.CacheShards = defaultShards
	}

	if cfg.CacheMaxBytes == 0 {
		cfg.CacheMaxBytes = defaultCacheBytes(memory.TotalMemory())
	}

	if cfg.CacheMaxBytes < uint64(cfg.CacheShards) {
		cfg.CacheMaxBytes = uint64(cfg.CacheShards)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
}

func defaultCacheBytes(total uint64) uint64 {
	if total == 0 {
		return fallbackCacheSize
	}

	size := total / 256
	if size < minCacheBytes {
		return minCacheBytes
	}
	if size > maxCacheBytes {
		return maxCacheBytes
	}
	return size
}
