package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagers/ops-platform/pkg/kv"
)

type recordingAudit struct {
	events int32
}

func (r *recordingAudit) RecordEvent(_ context.Context, _, action, _, _ string, _ map[string]any) {
	if action == "orphaned-lock" {
		atomic.AddInt32(&r.events, 1)
	}
}

func newManager() *Manager {
	return New(kv.NewMemoryStore(), &recordingAudit{}, 30*time.Second)
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	l, err := m.Acquire(ctx, "conversation:1", 10*time.Second, 0)
	require.NoError(t, err)
	require.True(t, l.Acquired)

	require.NoError(t, m.Release(ctx, l.Name, l.OwnerToken))
}

func TestAcquireMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	l1, err := m.Acquire(ctx, "conversation:1", 10*time.Second, 0)
	require.NoError(t, err)
	require.True(t, l1.Acquired)

	l2, err := m.Acquire(ctx, "conversation:1", 10*time.Second, 0)
	require.NoError(t, err)
	assert.False(t, l2.Acquired)
}

func TestAcquireWithWaitTimeoutReturnsTimeoutReason(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	l1, err := m.Acquire(ctx, "conversation:1", 10*time.Second, 0)
	require.NoError(t, err)
	require.True(t, l1.Acquired)

	start := time.Now()
	l2, err := m.Acquire(ctx, "conversation:1", 10*time.Second, 200*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, l2.Acquired)
	assert.Equal(t, "timeout", l2.Reason)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestAcquireWithWaitTimeoutSucceedsOnceReleased(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	l1, err := m.Acquire(ctx, "conversation:1", 10*time.Second, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = m.Release(ctx, l1.Name, l1.OwnerToken)
	}()

	l2, err := m.Acquire(ctx, "conversation:1", 10*time.Second, time.Second)
	require.NoError(t, err)
	assert.True(t, l2.Acquired)
}

func TestReleaseWrongOwnerFails(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	l, err := m.Acquire(ctx, "conversation:1", 10*time.Second, 0)
	require.NoError(t, err)

	err = m.Release(ctx, l.Name, "not-the-owner")
	assert.True(t, errors.Is(err, ErrNotOwner))
}

func TestRenewExtendsTTL(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	l, err := m.Acquire(ctx, "conversation:1", 100*time.Millisecond, 0)
	require.NoError(t, err)

	extended, err := m.Renew(ctx, l.Name, l.OwnerToken, time.Second)
	require.NoError(t, err)
	assert.True(t, extended)

	time.Sleep(150 * time.Millisecond)
	l2, err := m.Acquire(ctx, "conversation:1", 10*time.Second, 0)
	require.NoError(t, err)
	assert.False(t, l2.Acquired, "renewed lock must still be held")
}

func TestRenewWrongOwnerFails(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	l, err := m.Acquire(ctx, "conversation:1", time.Second, 0)
	require.NoError(t, err)

	extended, err := m.Renew(ctx, l.Name, "not-the-owner", time.Second)
	require.NoError(t, err)
	assert.False(t, extended)
}

func TestWithLockReleasesOnSuccess(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	res, ran, err := WithLock(ctx, m, "conversation:1", 10*time.Second, time.Second, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, "ok", res.Value)
	assert.False(t, res.Staleness)

	l, err := m.Acquire(ctx, "conversation:1", 10*time.Second, 0)
	require.NoError(t, err)
	assert.True(t, l.Acquired, "lock must be free after WithLock returns")
}

func TestWithLockReleasesOnError(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	boom := errors.New("boom")

	_, ran, err := WithLock(ctx, m, "conversation:1", 10*time.Second, time.Second, func(ctx context.Context) (string, error) {
		return "", boom
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	l, err := m.Acquire(ctx, "conversation:1", 10*time.Second, 0)
	require.NoError(t, err)
	assert.True(t, l.Acquired, "lock must be released even when fn fails")
}

func TestWithLockMarksStalenessWhenOwnershipLost(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	audit := &recordingAudit{}
	m.audit = audit

	res, ran, err := WithLock(ctx, m, "conversation:1", 10*time.Millisecond, time.Second, func(ctx context.Context) (string, error) {
		time.Sleep(50 * time.Millisecond)
		// Simulate another process stealing the lock after expiry.
		_, _ = m.store.SetIfAbsent(ctx, "lock:conversation:1", "thief", time.Second)
		return "done", nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "done", res.Value)
	assert.True(t, res.Staleness)
	assert.EqualValues(t, 1, audit.events)
}

func TestReleaseAllOwned(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	_, err := m.Acquire(ctx, "conversation:1", 10*time.Second, 0)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "conversation:2", 10*time.Second, 0)
	require.NoError(t, err)

	m.ReleaseAllOwned(ctx)

	l1, err := m.Acquire(ctx, "conversation:1", 10*time.Second, 0)
	require.NoError(t, err)
	assert.True(t, l1.Acquired)
	l2, err := m.Acquire(ctx, "conversation:2", 10*time.Second, 0)
	require.NoError(t, err)
	assert.True(t, l2.Acquired)
}
