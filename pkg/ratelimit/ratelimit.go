// Package ratelimit implements the fixed-window rate limiter shared
// across workers via pkg/kv, with an in-process fallback when the KV
// backend is unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tagers/ops-platform/pkg/kv"
)

// Limiter checks fixed-window limits per key, distributed via pkg/kv's
// IncrementBy and falling back to an in-process golang.org/x/time/rate
// limiter per key when the backend is down (weaker correctness across
// process restarts/replicas, accepted and logged).
type Limiter struct {
	store kv.Store
	log   *slog.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// New builds a Limiter.
func New(store kv.Store) *Limiter {
	return &Limiter{
		store: store,
		log:   slog.With("component", "ratelimit"),
		local: make(map[string]*rate.Limiter),
	}
}

func keyFor(key string) string { return "ratelimit:" + key }

// Check reports whether a call tagged key is allowed under limit calls per
// window. Every call counts toward the window, allowed or not.
func (l *Limiter) Check(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	if l.store.IsAvailable() {
		count, err := l.store.IncrementBy(ctx, keyFor(key), 1, window)
		if err != nil {
			return false, fmt.Errorf("ratelimit: check %q: %w", key, err)
		}
		return count <= limit, nil
	}
	l.log.Warn("rate limiter operating in local fallback mode", "key", key)
	return l.checkLocal(key, limit, window), nil
}

// checkLocal approximates the same limit/window contract with a token
// bucket that refills at limit/window per second, burst=limit. It does not
// share state across processes or survive restarts.
func (l *Limiter) checkLocal(key string, limit int64, window time.Duration) bool {
	l.mu.Lock()
	lim, ok := l.local[key]
	if !ok {
		ratePerSec := float64(limit) / window.Seconds()
		lim = rate.NewLimiter(rate.Limit(ratePerSec), int(limit))
		l.local[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
