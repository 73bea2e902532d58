// Package kv provides the thin key-value capability surface that the
// lock manager, rate limiter, deduplicator, and job queue build on. The
// production backend is Redis; every call is wrapped in a circuit breaker so
// that a Redis outage degrades to IsAvailable()==false instead of hanging
// callers, letting those components fall back to in-process behavior —
// the fallback is a first-class mode, not an afterthought.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by Store methods when the backend is down and
// the circuit breaker is open. Callers should treat it exactly like any
// other transient failure and consult IsAvailable() before falling back.
var ErrUnavailable = errors.New("kv: backend unavailable")

// ScanPage is one page of a prefix scan, along with an opaque cursor for the
// next page ("" means the scan is exhausted).
type ScanPage struct {
	Keys   []string
	Cursor string
}

// Store is the capability set the rest of the system consumes. It must be
// safe for concurrent use.
type Store interface {
	// Get returns the value stored at key, or ("", false, nil) if absent.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetWithTTL unconditionally stores value at key with the given TTL.
	// ttl <= 0 means no expiry.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent atomically stores value at key only if key does not
	// already exist. Returns acquired=true if this call set the value.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (acquired bool, err error)

	// CompareAndDelete atomically deletes key only if its current value
	// equals expected. Returns deleted=true if the delete happened.
	CompareAndDelete(ctx context.Context, key, expected string) (deleted bool, err error)

	// CompareAndExpire atomically sets a new TTL on key only if its current
	// value equals expected. Returns extended=true if the TTL was applied.
	CompareAndExpire(ctx context.Context, key, expected string, newTTL time.Duration) (extended bool, err error)

	// IncrementBy atomically adds delta to the integer counter at key,
	// applying ttlIfNew when the key did not previously exist, and returns
	// the resulting value.
	IncrementBy(ctx context.Context, key string, delta int64, ttlIfNew time.Duration) (int64, error)

	// ScanByPrefix returns up to pageSize keys starting at cursor ("" for
	// the first page) matching prefix+"*".
	ScanByPrefix(ctx context.Context, prefix string, pageSize int64, cursor string) (ScanPage, error)

	// ZAddDelayed adds value to the sorted set zset with the given score
	// (typically a unix-nano ready-at timestamp), used for delayed jobs.
	ZAddDelayed(ctx context.Context, zset string, score float64, value string) error

	// ZPopMin atomically pops up to count members with score <= maxScore
	// from zset, returning them in ascending score order.
	ZPopMin(ctx context.Context, zset string, maxScore float64, count int64) ([]string, error)

	// IsAvailable reports whether the backend is currently reachable
	// (circuit breaker closed/half-open). Consumers must check this before
	// relying on the backend and fall back otherwise.
	IsAvailable() bool

	// Close releases underlying resources.
	Close() error
}
