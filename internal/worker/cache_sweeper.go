package worker

import (
	"context"
	"log/slog"
	"time"
)

// AgedCache is the slice of the file cache the sweeper needs.
// Implemented by filecache.Cache.
type AgedCache interface {
	ClearOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// CacheSweeper periodically removes cached files that have not been
// accessed within maxAge, independent of the size-driven LRU eviction.
type CacheSweeper struct {
	cache    AgedCache
	interval time.Duration
	maxAge   time.Duration
}

// NewCacheSweeper creates a sweeper. A non-positive maxAge disables it.
func NewCacheSweeper(cache AgedCache, interval, maxAge time.Duration) *CacheSweeper {
	return &CacheSweeper{cache: cache, interval: interval, maxAge: maxAge}
}

// Run starts the sweeper loop. It blocks until ctx is cancelled. Unlike
// the sync coordinator it waits for the first tick: sweeping stale files
// is never urgent at startup.
func (s *CacheSweeper) Run(ctx context.Context) {
	if s.maxAge <= 0 {
		<-ctx.Done()
		return
	}

	slog.Info("cache sweeper started",
		"component", "worker",
		"worker", "cache-sweeper",
		"interval", s.interval.String(),
		"max_age", s.maxAge.String(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("cache sweeper stopped",
				"component", "worker",
				"worker", "cache-sweeper",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			removed, err := s.cache.ClearOlderThan(ctx, s.maxAge)
			if err != nil {
				slog.Error("cache sweep failed",
					"component", "worker",
					"worker", "cache-sweeper",
					"error", err,
				)
				continue
			}
			if removed > 0 {
				slog.Info("cache sweep completed",
					"component", "worker",
					"worker", "cache-sweeper",
					"files_removed", removed,
				)
			}
		}
	}
}
