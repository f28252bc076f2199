// Package ratelimit implements a fixed-window request limiter over the cache.
package ratelimit

import (
	"context"
	"time"

	"github.com/quarryhq/quarry/internal/cache"
)

// Limiter enforces a per-key request ceiling within a rolling window.
type Limiter struct {
	cache  cache.Client
	limit  int64
	window time.Duration
}

// New creates a limiter. limit <= 0 disables limiting.
func New(c cache.Client, limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{cache: c, limit: int64(limit), window: window}
}

// Allow reports whether the key may proceed. Cache errors fail open so a
// limiter outage never blocks ingestion.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l.limit <= 0 {
		return true
	}
	n, err := l.cache.Incr(ctx, "rl:"+key, l.window)
	if err != nil {
		return true
	}
	return n <= l.limit
}
