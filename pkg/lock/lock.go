// Package lock implements the named distributed mutex that the worker
// pool, case state machine, and scheduler use to serialize work per key
// (conversation, case, detector). It is backed by pkg/kv and degrades to an
// in-process map of mutexes when the KV backend is unavailable.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tagers/ops-platform/pkg/kv"
)

// ErrNotOwner is returned by Release/Renew when the caller's owner token no
// longer matches the stored lock (TTL expired and someone else acquired it).
var ErrNotOwner = errors.New("lock: caller is not the current owner")

// AuditSink receives "orphaned-lock" events. Satisfied by pkg/audit's
// recorder; declared locally to avoid a dependency cycle.
type AuditSink interface {
	RecordEvent(ctx context.Context, actor, action, targetType, targetID string, payload map[string]any)
}

const pollInterval = 100 * time.Millisecond

// Lock describes an acquisition outcome.
type Lock struct {
	Name       string
	OwnerToken string
	Acquired   bool
	Reason     string // set when Acquired is false, e.g. "timeout"
	Storage    string // "shared" (KV-backed) or "local" (in-process fallback)
}

// Manager is the lock manager. Zero value is not usable; use New.
type Manager struct {
	store      kv.Store
	audit      AuditSink
	log        *slog.Logger
	defaultTTL time.Duration

	mu    sync.Mutex
	local map[string]*localLock // used only when store.IsAvailable() is false
	owned map[string]string     // name -> owner_token, for shutdown release
}

type localLock struct {
	mu      sync.Mutex
	held    bool
	owner   string
	expires time.Time
}

// New builds a Manager. defaultTTL is used by WithLock when callers don't
// override it.
func New(store kv.Store, audit AuditSink, defaultTTL time.Duration) *Manager {
	return &Manager{
		store:      store,
		audit:      audit,
		log:        slog.With("component", "lock"),
		defaultTTL: defaultTTL,
		local:      make(map[string]*localLock),
		owned:      make(map[string]string),
	}
}

func keyFor(name string) string { return "lock:" + name }

// Acquire attempts to take the named lock. With waitTimeout == 0 it makes a
// single attempt. With waitTimeout > 0 it polls every 100ms until the
// deadline.
func (m *Manager) Acquire(ctx context.Context, name string, ttl, waitTimeout time.Duration) (Lock, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	deadline := time.Now().Add(waitTimeout)
	for {
		l, err := m.tryAcquire(ctx, name, ttl)
		if err != nil {
			return Lock{}, err
		}
		if l.Acquired || waitTimeout <= 0 || time.Now().After(deadline) {
			if !l.Acquired {
				l.Reason = "timeout"
			}
			return l, nil
		}
		select {
		case <-ctx.Done():
			return Lock{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (m *Manager) tryAcquire(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	owner := uuid.NewString()
	if m.store.IsAvailable() {
		acquired, err := m.store.SetIfAbsent(ctx, keyFor(name), owner, ttl)
		if err != nil {
			return Lock{}, fmt.Errorf("lock: acquire %q: %w", name, err)
		}
		if acquired {
			m.trackOwned(name, owner)
			return Lock{Name: name, OwnerToken: owner, Acquired: true, Storage: "shared"}, nil
		}
		return Lock{Name: name, Acquired: false}, nil
	}
	return m.tryAcquireLocal(name, owner, ttl), nil
}

func (m *Manager) tryAcquireLocal(name, owner string, ttl time.Duration) Lock {
	m.mu.Lock()
	ll, ok := m.local[name]
	if !ok {
		ll = &localLock{}
		m.local[name] = ll
	}
	m.mu.Unlock()

	ll.mu.Lock()
	defer ll.mu.Unlock()
	now := time.Now()
	if ll.held && now.Before(ll.expires) {
		return Lock{Name: name, Acquired: false}
	}
	ll.held = true
	ll.owner = owner
	ll.expires = now.Add(ttl)
	m.trackOwned(name, owner)
	return Lock{Name: name, OwnerToken: owner, Acquired: true, Storage: "local"}
}

func (m *Manager) trackOwned(name, owner string) {
	m.mu.Lock()
	m.owned[name] = owner
	m.mu.Unlock()
}

func (m *Manager) untrackOwned(name string) {
	m.mu.Lock()
	delete(m.owned, name)
	m.mu.Unlock()
}

// Release frees the named lock. It is a no-op error (ErrNotOwner) if the
// caller no longer holds it — the caller is expected to treat that as an
// orphaned-lock condition, not a fatal error.
func (m *Manager) Release(ctx context.Context, name, ownerToken string) error {
	defer m.untrackOwned(name)
	if m.store.IsAvailable() {
		deleted, err := m.store.CompareAndDelete(ctx, keyFor(name), ownerToken)
		if err != nil {
			return fmt.Errorf("lock: release %q: %w", name, err)
		}
		if !deleted {
			return ErrNotOwner
		}
		return nil
	}
	return m.releaseLocal(name, ownerToken)
}

func (m *Manager) releaseLocal(name, ownerToken string) error {
	m.mu.Lock()
	ll, ok := m.local[name]
	m.mu.Unlock()
	if !ok {
		return ErrNotOwner
	}
	ll.mu.Lock()
	defer ll.mu.Unlock()
	if !ll.held || ll.owner != ownerToken {
		return ErrNotOwner
	}
	ll.held = false
	ll.owner = ""
	return nil
}

// Renew atomically extends the TTL of a held lock. Returns false if the
// caller is no longer the owner (expired and re-acquired by someone else).
func (m *Manager) Renew(ctx context.Context, name, ownerToken string, additionalTTL time.Duration) (bool, error) {
	if m.store.IsAvailable() {
		extended, err := m.store.CompareAndExpire(ctx, keyFor(name), ownerToken, additionalTTL)
		if err != nil {
			return false, fmt.Errorf("lock: renew %q: %w", name, err)
		}
		return extended, nil
	}
	return m.renewLocal(name, ownerToken, additionalTTL), nil
}

func (m *Manager) renewLocal(name, ownerToken string, additionalTTL time.Duration) bool {
	m.mu.Lock()
	ll, ok := m.local[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	ll.mu.Lock()
	defer ll.mu.Unlock()
	if !ll.held || ll.owner != ownerToken {
		return false
	}
	ll.expires = time.Now().Add(additionalTTL)
	return true
}

// Result is what WithLock returns: the scoped function's result plus a
// staleness flag set when the lock was found to have been lost mid-run.
type Result[T any] struct {
	Value     T
	Staleness bool
}

// WithLock acquires name, runs fn, and guarantees release on every exit
// path. If fn runs past 2/3 of ttl, a single background renewal attempt is
// issued. If release ultimately fails because ownership changed, an
// "orphaned-lock" audit event is recorded and the result is still returned
// but marked Staleness:true so outer layers may discard it.
func WithLock[T any](ctx context.Context, m *Manager, name string, ttl, waitTimeout time.Duration, fn func(ctx context.Context) (T, error)) (Result[T], bool, error) {
	l, err := m.Acquire(ctx, name, ttl, waitTimeout)
	if err != nil {
		var zero T
		return Result[T]{Value: zero}, false, err
	}
	if !l.Acquired {
		var zero T
		return Result[T]{Value: zero}, false, nil
	}

	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	go m.renewAfterTwoThirds(renewCtx, name, l.OwnerToken, ttl)

	value, fnErr := fn(ctx)

	releaseErr := m.Release(ctx, name, l.OwnerToken)
	staleness := false
	if errors.Is(releaseErr, ErrNotOwner) {
		staleness = true
		if m.audit != nil {
			m.audit.RecordEvent(ctx, "lock-manager", "orphaned-lock", "lock", name, map[string]any{
				"owner_token": l.OwnerToken,
			})
		}
	} else if releaseErr != nil {
		return Result[T]{Value: value, Staleness: staleness}, true, fnErr
	}
	return Result[T]{Value: value, Staleness: staleness}, true, fnErr
}

func (m *Manager) renewAfterTwoThirds(ctx context.Context, name, ownerToken string, ttl time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(ttl * 2 / 3):
	}
	if _, err := m.Renew(ctx, name, ownerToken, ttl); err != nil {
		m.log.Warn("background lock renewal failed", "name", name, "error", err)
	}
}

// ReleaseAllOwned releases every lock this Manager instance currently
// believes it owns, issuing compareAndDelete for each tracked owner token.
// Called during graceful shutdown so no lock outlives its process.
func (m *Manager) ReleaseAllOwned(ctx context.Context) {
	m.mu.Lock()
	owned := make(map[string]string, len(m.owned))
	for k, v := range m.owned {
		owned[k] = v
	}
	m.mu.Unlock()

	for name, owner := range owned {
		if err := m.Release(ctx, name, owner); err != nil && !errors.Is(err, ErrNotOwner) {
			m.log.Warn("failed to release owned lock during shutdown", "name", name, "error", err)
		}
	}
}

// PruneLocal evicts expired entries from the in-process fallback map. Meant
// to be called periodically (e.g. once a minute) by the owning process.
func (m *Manager) PruneLocal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for name, ll := range m.local {
		ll.mu.Lock()
		expired := !ll.held && now.After(ll.expires)
		ll.mu.Unlock()
		if expired {
			delete(m.local, name)
		}
	}
}
