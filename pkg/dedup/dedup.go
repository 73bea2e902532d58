// Package dedup implements the webhook deduplicator: a thin
// first-seen-wins check over pkg/kv used to drop repeat webhook deliveries
// and collapse duplicate provider events.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/tagers/ops-platform/pkg/kv"
)

// Deduplicator answers "have we seen this key before" with a single
// setIfAbsent against the shared KV store.
type Deduplicator struct {
	store kv.Store
}

// New builds a Deduplicator.
func New(store kv.Store) *Deduplicator {
	return &Deduplicator{store: store}
}

func keyFor(key string) string { return "idempo:" + key }

// Seen records key as seen if this is the first call, or reports the
// timestamp of the prior call otherwise. was_seen is true when a prior
// record already existed.
func (d *Deduplicator) Seen(ctx context.Context, key string, ttl time.Duration) (wasSeen bool, firstSeenAt time.Time, err error) {
	now := time.Now().UTC()
	acquired, err := d.store.SetIfAbsent(ctx, keyFor(key), now.Format(time.RFC3339Nano), ttl)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("dedup: seen %q: %w", key, err)
	}
	if acquired {
		return false, now, nil
	}

	val, found, err := d.store.Get(ctx, keyFor(key))
	if err != nil {
		return false, time.Time{}, fmt.Errorf("dedup: seen %q: %w", key, err)
	}
	if !found {
		// Raced with the entry's TTL expiry between SetIfAbsent and Get;
		// treat as not previously seen rather than erroring.
		return false, now, nil
	}
	first, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return true, time.Time{}, fmt.Errorf("dedup: seen %q: parsing stored timestamp: %w", key, err)
	}
	return true, first, nil
}
