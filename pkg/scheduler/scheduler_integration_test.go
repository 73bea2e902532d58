package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagers/ops-platform/pkg/kv"
	"github.com/tagers/ops-platform/pkg/queue"
	"github.com/tagers/ops-platform/pkg/ratelimit"
	"github.com/tagers/ops-platform/pkg/scheduler"
	testdb "github.com/tagers/ops-platform/test/database"
)

func TestScheduler_Trigger_Enqueues(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := queue.New(client.Pool, scheduler.DetectorsQueueName)
	limits := ratelimit.New(kv.NewMemoryStore())
	s := scheduler.New(q, limits, nil)

	err := s.Trigger(context.Background(), "refund-spike-detector", map[string]any{"fingerprint": "branch:1"})
	require.NoError(t, err)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestScheduler_ConcurrencyCap(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := queue.New(client.Pool, scheduler.DetectorsQueueName)
	limits := ratelimit.New(kv.NewMemoryStore())
	s := scheduler.New(q, limits, nil, scheduler.WithConcurrencyCap(1), scheduler.WithGlobalRateLimit(1000))
	ctx := context.Background()

	require.NoError(t, s.Trigger(ctx, "d1", nil))
	// Cap is 1 and the first slot hasn't been released; the second fire is
	// skipped rather than queued.
	require.NoError(t, s.Trigger(ctx, "d2", nil))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)

	s.Released()
	require.NoError(t, s.Trigger(ctx, "d3", nil))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Waiting)
}

func TestScheduler_GlobalRateLimit(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := queue.New(client.Pool, scheduler.DetectorsQueueName)
	limits := ratelimit.New(kv.NewMemoryStore())
	s := scheduler.New(q, limits, nil, scheduler.WithConcurrencyCap(100), scheduler.WithGlobalRateLimit(1))
	ctx := context.Background()

	require.NoError(t, s.Trigger(ctx, "d1", nil))
	require.NoError(t, s.Trigger(ctx, "d2", nil))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting, "second trigger should be rejected by the global rate limit")
}
