package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagers/ops-platform/pkg/kv"
)

func TestSeenFirstCallIsNotSeen(t *testing.T) {
	ctx := context.Background()
	d := New(kv.NewMemoryStore())

	wasSeen, firstSeenAt, err := d.Seen(ctx, "provider-event-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, wasSeen)
	assert.WithinDuration(t, time.Now(), firstSeenAt, time.Second)
}

func TestSeenSecondCallReturnsFirstSeenAt(t *testing.T) {
	ctx := context.Background()
	d := New(kv.NewMemoryStore())

	_, firstSeenAt, err := d.Seen(ctx, "provider-event-1", time.Hour)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	wasSeen, secondFirstSeenAt, err := d.Seen(ctx, "provider-event-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, wasSeen)
	assert.Equal(t, firstSeenAt.Unix(), secondFirstSeenAt.Unix())
}

func TestSeenDifferentKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	d := New(kv.NewMemoryStore())

	_, _, err := d.Seen(ctx, "event-a", time.Hour)
	require.NoError(t, err)
	wasSeen, _, err := d.Seen(ctx, "event-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, wasSeen)
}

func TestSeenExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	d := New(kv.NewMemoryStore())

	_, _, err := d.Seen(ctx, "event-a", 5*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	wasSeen, _, err := d.Seen(ctx, "event-a", time.Hour)
	require.NoError(t, err)
	assert.False(t, wasSeen, "expired dedup entries must be treated as unseen")
}
