package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordEventWithNilPoolOnlyLogs(t *testing.T) {
	r := New(nil)

	// Must not panic or error — audit is best-effort by contract.
	r.RecordEvent(context.Background(), "worker-1", "lock.orphaned", "lock", "conversation:c-1",
		map[string]any{"owner": "tok-1"})

	entries, err := r.List(context.Background(), "lock", "conversation:c-1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIncrCounterAccumulates(t *testing.T) {
	r := New(nil)

	r.IncrCounter("webhook_received", 1)
	r.IncrCounter("webhook_received", 1)
	r.IncrCounter("dlq_moved", 3)

	snap := r.Stats()
	assert.Equal(t, int64(2), snap.Counters["webhook_received"])
	assert.Equal(t, int64(3), snap.Counters["dlq_moved"])
}

func TestObserveDurationSummarizes(t *testing.T) {
	r := New(nil)

	r.ObserveDuration("processing_time", 10*time.Millisecond, map[string]string{"queue": "default"})
	r.ObserveDuration("processing_time", 30*time.Millisecond, map[string]string{"queue": "default"})
	r.ObserveDuration("processing_time", 20*time.Millisecond, map[string]string{"queue": "default"})

	snap := r.Stats()
	summary, ok := snap.Timings["processing_time:default"]
	require.True(t, ok)
	assert.Equal(t, int64(3), summary.Count)
	assert.Equal(t, 10*time.Millisecond, summary.Min)
	assert.Equal(t, 30*time.Millisecond, summary.Max)
	assert.Equal(t, 20*time.Millisecond, summary.Avg)
}

func TestObserveDurationBoundsSampleWindow(t *testing.T) {
	r := New(nil)

	for i := 0; i < 1500; i++ {
		r.ObserveDuration("queue_wait", time.Millisecond, nil)
	}

	snap := r.Stats()
	assert.Equal(t, int64(1000), snap.Timings["queue_wait"].Count)
}

func TestStatsReturnsCopyNotLiveMaps(t *testing.T) {
	r := New(nil)
	r.IncrCounter("a", 1)

	snap := r.Stats()
	snap.Counters["a"] = 99

	assert.Equal(t, int64(1), r.Stats().Counters["a"])
}
