package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackQueueAddClaimComplete(t *testing.T) {
	ctx := context.Background()
	f := newFallbackQueue("default")

	jobID, err := f.add(ctx, "send_message", json.RawMessage(`{"x":1}`), AddOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	job, err := f.claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, jobID, job.JobID)
	assert.True(t, job.fromFallback)

	_, err = f.claim(ctx, "worker-1", time.Minute)
	assert.ErrorIs(t, err, ErrNoJobAvailable)

	require.NoError(t, f.complete(ctx, job.JobID))
	stats, err := f.stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.True(t, stats.Fallback)
}

func TestFallbackQueueAddIsIdempotentByJobID(t *testing.T) {
	ctx := context.Background()
	f := newFallbackQueue("default")

	id1, err := f.add(ctx, "send_message", json.RawMessage(`{}`), AddOptions{JobID: "fixed-id"})
	require.NoError(t, err)
	id2, err := f.add(ctx, "send_message", json.RawMessage(`{}`), AddOptions{JobID: "fixed-id"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	stats, err := f.stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting, "duplicate add must not create a second job")
}

func TestFallbackQueueDelayedJobNotClaimableUntilDue(t *testing.T) {
	ctx := context.Background()
	f := newFallbackQueue("default")

	_, err := f.add(ctx, "reminder", json.RawMessage(`{}`), AddOptions{Delay: time.Hour})
	require.NoError(t, err)

	_, err = f.claim(ctx, "worker-1", time.Minute)
	assert.ErrorIs(t, err, ErrNoJobAvailable)
}

func TestFallbackQueueFailRetriesUntilMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFallbackQueue("default")

	_, err := f.add(ctx, "send_message", json.RawMessage(`{}`), AddOptions{Attempts: 2})
	require.NoError(t, err)

	job, err := f.claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	terminal, err := f.fail(ctx, job, errors.New("boom"), time.Millisecond)
	require.NoError(t, err)
	assert.False(t, terminal, "first failure of 2 max attempts must retry")

	time.Sleep(5 * time.Millisecond)
	job2, err := f.claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, job2.JobID)

	terminal, err = f.fail(ctx, job2, errors.New("boom again"), time.Millisecond)
	require.NoError(t, err)
	assert.True(t, terminal, "second failure reaches max attempts")

	stats, err := f.stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestFallbackQueueRecoverStalled(t *testing.T) {
	ctx := context.Background()
	f := newFallbackQueue("default")

	jobID, err := f.add(ctx, "send_message", json.RawMessage(`{}`), AddOptions{})
	require.NoError(t, err)

	_, err = f.claim(ctx, "worker-1", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	recovered, err := f.recoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	job, err := f.claim(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, jobID, job.JobID)
	assert.Equal(t, 1, job.AttemptsMade, "stall must increment attempts_made")
}
