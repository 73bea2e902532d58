package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagers/ops-platform/pkg/kv"
)

func TestCheckAllowsUpToLimit(t *testing.T) {
	ctx := context.Background()
	l := New(kv.NewMemoryStore())

	for i := 0; i < 3; i++ {
		allowed, err := l.Check(ctx, "webhook:acme", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "call %d should be allowed", i)
	}

	allowed, err := l.Check(ctx, "webhook:acme", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed, "4th call should exceed the limit of 3")
}

func TestCheckIsolatesKeys(t *testing.T) {
	ctx := context.Background()
	l := New(kv.NewMemoryStore())

	for i := 0; i < 3; i++ {
		_, err := l.Check(ctx, "a", 3, time.Minute)
		require.NoError(t, err)
	}
	allowed, err := l.Check(ctx, "b", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed, "different key must have its own window")
}

type unavailableStore struct {
	*kv.MemoryStore
}

func (unavailableStore) IsAvailable() bool { return false }

func TestCheckFallsBackToLocalLimiterWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	l := New(unavailableStore{kv.NewMemoryStore()})

	allowed, err := l.Check(ctx, "webhook:acme", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}
