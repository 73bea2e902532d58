// Package blocklist implements the contact blocklist the dispatcher
// consults to short-circuit a route to Drop. Resolution is tiered: live KV
// entries first (operator can block a contact instantly without a deploy),
// then the policy-config snapshot (pkg/registry's StaticBlocklist), then an
// environment-derived default list — the first tier with a hit wins.
package blocklist

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/tagers/ops-platform/pkg/kv"
)

const kvKeyPrefix = "blocklist:"

// Normalize canonicalizes a contact identifier: a phone
// keeps digits and a leading "+", an email is lower-cased and trimmed.
// Anything containing "@" is treated as an email.
func Normalize(contact string) string {
	c := strings.TrimSpace(contact)
	if strings.Contains(c, "@") {
		return strings.ToLower(c)
	}
	var b strings.Builder
	for i, r := range c {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StaticSource supplies the policy-config tier (pkg/registry).
type StaticSource interface {
	StaticBlocklist() []string
}

// List is the tiered blocklist. Construct with New; Check consults every
// tier, while Add/Remove operate on the KV tier, the authoritative one for
// runtime admin changes.
type List struct {
	store  kv.Store
	static StaticSource
	envDefault map[string]bool
}

// New builds a List. BLOCKLIST_DEFAULT (comma-separated contacts) seeds the
// environment-derived default tier.
func New(store kv.Store, static StaticSource) *List {
	envDefault := map[string]bool{}
	for _, c := range strings.Split(os.Getenv("BLOCKLIST_DEFAULT"), ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			envDefault[Normalize(c)] = true
		}
	}
	return &List{store: store, static: static, envDefault: envDefault}
}

// Check reports whether contact is blocked, consulting KV, then the static
// registry snapshot, then the environment default, in that order. A KV
// outage does not fail the check — it falls through to the next tier,
// matching the "fallback as first-class mode" posture applied everywhere
// else KV is used.
func (l *List) Check(ctx context.Context, contact string) (blocked bool, source string) {
	key := Normalize(contact)
	if l.store != nil && l.store.IsAvailable() {
		if _, found, err := l.store.Get(ctx, kvKeyPrefix+key); err == nil && found {
			return true, "kv"
		}
	}
	if l.static != nil {
		for _, c := range l.static.StaticBlocklist() {
			if Normalize(c) == key {
				return true, "policy_config"
			}
		}
	}
	if l.envDefault[key] {
		return true, "env_default"
	}
	return false, ""
}

// IsBlocked implements pkg/dispatch.Blocklist: a synchronous check against
// an already-normalized contact, used directly by Dispatch. Internally
// bounded by a short context so dispatch stays within its sub-second
// budget.
func (l *List) IsBlocked(normalizedContact string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if l.store != nil && l.store.IsAvailable() {
		if _, found, err := l.store.Get(ctx, kvKeyPrefix+normalizedContact); err == nil && found {
			return true, nil
		}
	}
	if l.static != nil {
		for _, c := range l.static.StaticBlocklist() {
			if Normalize(c) == normalizedContact {
				return true, nil
			}
		}
	}
	return l.envDefault[normalizedContact], nil
}

// Add blocks contact via the KV tier (unconditional, no TTL).
func (l *List) Add(ctx context.Context, contact string) error {
	if l.store == nil {
		return kv.ErrUnavailable
	}
	return l.store.SetWithTTL(ctx, kvKeyPrefix+Normalize(contact), "1", 0)
}

// Remove unblocks contact from the KV tier. Does not affect the policy
// config or environment-default tiers — those require a config change.
func (l *List) Remove(ctx context.Context, contact string) (bool, error) {
	if l.store == nil {
		return false, kv.ErrUnavailable
	}
	key := kvKeyPrefix + Normalize(contact)
	val, found, err := l.store.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	return l.store.CompareAndDelete(ctx, key, val)
}

// KVSize counts the entries currently in the KV tier, paging through the
// keyspace. Surfaced by GET /admin/stats.
func (l *List) KVSize(ctx context.Context) (int, error) {
	if l.store == nil || !l.store.IsAvailable() {
		return 0, nil
	}
	total := 0
	cursor := ""
	for {
		page, err := l.store.ScanByPrefix(ctx, kvKeyPrefix, 100, cursor)
		if err != nil {
			return total, err
		}
		total += len(page.Keys)
		if page.Cursor == "" {
			return total, nil
		}
		cursor = page.Cursor
	}
}
