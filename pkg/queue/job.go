// Package queue implements the durable job queue, its dead letter
// queue, and the worker pool that consumes it. Jobs are stored in
// Postgres and claimed atomically with SELECT ... FOR UPDATE SKIP LOCKED.
// When the database is unreachable, an in-process fallback queue takes
// over with bounded concurrency and no durability, surfaced via
// Stats.Fallback.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
)

// Job is one unit of work on a queue.
type Job struct {
	JobID          string
	QueueName      string
	Name           string
	Data           json.RawMessage
	Status         Status
	AttemptsMade   int
	MaxAttempts    int
	NextRunAt      time.Time
	EnqueuedAt     time.Time
	LockedAt       *time.Time
	LockedBy       *string
	LeaseExpiresAt *time.Time
	TraceContext   json.RawMessage
	LastError      *string
	CompletedAt    *time.Time

	// fromFallback records which backend produced this Job so later calls
	// (RenewLease/Complete/Fail) route back to the same one.
	fromFallback bool
}

// AddOptions customizes enqueue behavior.
type AddOptions struct {
	// JobID, if set, makes Add idempotent: if a job with this id already
	// exists in a non-terminal state, Add is a no-op and returns it.
	JobID string
	// Attempts is the max attempt count before the job is terminally
	// failed and handed to the DLQ. Defaults to 5.
	Attempts int
	// BackoffBase is not read by Add and is not stored with the job:
	// retries use the base passed to Queue.Fail (ConsumerOptions.BackoffBase),
	// next attempt at now + base * 2^(attempts_made-1), 1s when unset.
	BackoffBase time.Duration
	// Delay postpones the first run.
	Delay time.Duration
	// TraceContext is opaque trace-propagation metadata carried with the
	// job and handed back to the handler.
	TraceContext json.RawMessage
}

// Stats reports queue depth by state.
type Stats struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
	Fallback  bool
}

// ErrNoJobAvailable is returned by Claim when nothing is ready to run.
var ErrNoJobAvailable = errors.New("queue: no job available")

// ErrUnavailable is returned when the durable backend is down and the
// fallback queue (which has no persistence) has also been exhausted or
// isn't applicable to the requested operation.
var ErrUnavailable = errors.New("queue: backend unavailable")

func backoffFor(base time.Duration, attemptsMade int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	shift := attemptsMade - 1
	if shift > 20 {
		shift = 20 // guard against overflow for pathological attempt counts
	}
	return base * time.Duration(1<<uint(shift))
}
