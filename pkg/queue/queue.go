package queue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue is the job queue facade: durable Postgres storage with an
// in-process fallback used automatically while Postgres is unreachable.
type Queue struct {
	pg       *pgQueue
	fallback *fallbackQueue
	paused   atomic.Bool
}

// New builds a Queue bound to queueName.
func New(pool *pgxpool.Pool, queueName string) *Queue {
	return &Queue{
		pg:       newPGQueue(pool, queueName),
		fallback: newFallbackQueue(queueName),
	}
}

// Pause stops Claim from handing out new jobs. Already-claimed jobs
// continue to completion.
func (q *Queue) Pause() { q.paused.Store(true) }

// Resume re-enables Claim after Pause.
func (q *Queue) Resume() { q.paused.Store(false) }

// Paused reports whether Claim is currently refusing new jobs.
func (q *Queue) Paused() bool { return q.paused.Load() }

// Add enqueues a job. See AddOptions for idempotent-enqueue and retry
// configuration.
func (q *Queue) Add(ctx context.Context, name string, data any, opts AddOptions) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	if q.pg.isAvailable() {
		id, err := q.pg.add(ctx, name, raw, opts)
		if err == nil {
			return id, nil
		}
	}
	return q.fallback.add(ctx, name, raw, opts)
}

// Claim atomically claims the next ready job for workerID, leasing it for
// lease. Returns ErrNoJobAvailable if nothing is ready.
func (q *Queue) Claim(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	if q.paused.Load() {
		return nil, ErrNoJobAvailable
	}
	if q.pg.isAvailable() {
		job, err := q.pg.claim(ctx, workerID, lease)
		if err == nil || err == ErrNoJobAvailable {
			return job, err
		}
	}
	return q.fallback.claim(ctx, workerID, lease)
}

// RenewLease extends a claimed job's lease past its current expiry.
func (q *Queue) RenewLease(ctx context.Context, job *Job, lease time.Duration) error {
	if job.fromFallback {
		return q.fallback.renewLease(ctx, job.JobID, lease)
	}
	return q.pg.renewLease(ctx, job.JobID, lease)
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	if job.fromFallback {
		return q.fallback.complete(ctx, job.JobID)
	}
	return q.pg.complete(ctx, job.JobID)
}

// Fail schedules a retry under the exponential backoff formula or
// terminally fails job. terminal is true when attempts are exhausted and the
// caller should move the job to the DLQ.
func (q *Queue) Fail(ctx context.Context, job *Job, handlerErr error, backoffBase time.Duration) (terminal bool, err error) {
	if job.fromFallback {
		return q.fallback.fail(ctx, job, handlerErr, backoffBase)
	}
	return q.pg.fail(ctx, job, handlerErr, backoffBase)
}

// RecoverStalled re-queues jobs whose lease expired without completion.
// Intended to be called periodically by the worker pool.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	pgRecovered := 0
	if q.pg.isAvailable() {
		n, err := q.pg.recoverStalled(ctx)
		if err != nil {
			return 0, err
		}
		pgRecovered = n
	}
	fbRecovered, err := q.fallback.recoverStalled(ctx)
	if err != nil {
		return pgRecovered, err
	}
	return pgRecovered + fbRecovered, nil
}

// PurgeCompleted deletes completed jobs older than the retention window.
// The fallback queue keeps no
// completed job bodies, so only the durable backend is touched.
func (q *Queue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	if !q.pg.isAvailable() {
		return 0, nil
	}
	return q.pg.purgeCompleted(ctx, olderThan)
}

// Stats reports counts by state, merged across the durable and fallback
// backends; Fallback is true if the durable backend is currently down.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	if !q.pg.isAvailable() {
		s, err := q.fallback.stats(ctx)
		return s, err
	}
	s, err := q.pg.stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	fbStats, _ := q.fallback.stats(ctx)
	s.Waiting += fbStats.Waiting
	s.Active += fbStats.Active
	s.Completed += fbStats.Completed
	s.Failed += fbStats.Failed
	s.Delayed += fbStats.Delayed
	return s, nil
}
