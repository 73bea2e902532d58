package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagers/ops-platform/pkg/queue"
)

func TestScheduler_DefaultsTimezone(t *testing.T) {
	q := queue.New(nil, DetectorsQueueName)
	s := New(q, nil, nil)
	assert.Equal(t, "America/Mexico_City", s.Location().String())
}

func TestScheduler_RegisterInvalidCronExpression(t *testing.T) {
	q := queue.New(nil, DetectorsQueueName)
	s := New(q, nil, nil)
	err := s.Register(Entry{DetectorID: "bad", Schedule: "not-a-cron-expr"})
	assert.Error(t, err)
}

func TestScheduler_StartStop(t *testing.T) {
	q := queue.New(nil, DetectorsQueueName)
	s := New(q, nil, nil)
	require.NoError(t, s.Register(Entry{DetectorID: "ok", Schedule: "@every 1h"}))
	s.Start()
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
