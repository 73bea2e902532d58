package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"
)

// pgQueue is the durable, Postgres-backed queue implementation. Every call
// is routed through a circuit breaker so a database outage surfaces as
// IsAvailable()==false rather than hanging callers.
type pgQueue struct {
	pool      *pgxpool.Pool
	queueName string
	cb        *gobreaker.CircuitBreaker
	log       *slog.Logger
}

func newPGQueue(pool *pgxpool.Pool, queueName string) *pgQueue {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "queue-" + queueName,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("queue circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})
	return &pgQueue{pool: pool, queueName: queueName, cb: cb, log: slog.With("component", "queue", "queue_name", queueName)}
}

func (q *pgQueue) isAvailable() bool {
	return q.pool != nil && q.cb.State() != gobreaker.StateOpen
}

func (q *pgQueue) do(fn func() (any, error)) (any, error) {
	v, err := q.cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return v, nil
}

func (q *pgQueue) add(ctx context.Context, name string, data json.RawMessage, opts AddOptions) (string, error) {
	v, err := q.do(func() (any, error) {
		if opts.JobID != "" {
			var existing string
			err := q.pool.QueryRow(ctx,
				`SELECT job_id FROM jobs WHERE job_id = $1 AND status NOT IN ('completed','failed')`,
				opts.JobID).Scan(&existing)
			if err == nil {
				return existing, nil
			}
			if err != pgx.ErrNoRows {
				return nil, fmt.Errorf("checking existing job: %w", err)
			}
		}

		jobID := opts.JobID
		if jobID == "" {
			jobID = uuid.NewString()
		}
		attempts := opts.Attempts
		if attempts <= 0 {
			attempts = 5
		}
		now := time.Now().UTC()
		nextRunAt := now.Add(opts.Delay)
		status := StatusWaiting
		if opts.Delay > 0 {
			status = StatusDelayed
		}

		_, err := q.pool.Exec(ctx, `
			INSERT INTO jobs (job_id, queue_name, name, data, status, attempts_made, max_attempts,
				next_run_at, enqueued_at, trace_context)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9)
			ON CONFLICT (job_id) DO NOTHING`,
			jobID, q.queueName, name, data, status, attempts, nextRunAt, now, opts.TraceContext)
		if err != nil {
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
		return jobID, nil
	})
	if err != nil {
		return "", err
	}
	id, _ := v.(string)
	return id, nil
}

const jobColumns = `job_id, queue_name, name, data, status, attempts_made, max_attempts,
	next_run_at, enqueued_at, locked_at, locked_by, lease_expires_at, trace_context, last_error, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	if err := row.Scan(&j.JobID, &j.QueueName, &j.Name, &j.Data, &j.Status, &j.AttemptsMade, &j.MaxAttempts,
		&j.NextRunAt, &j.EnqueuedAt, &j.LockedAt, &j.LockedBy, &j.LeaseExpiresAt, &j.TraceContext, &j.LastError, &j.CompletedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// claim atomically claims the next ready job using FOR UPDATE SKIP LOCKED,
// ordered by next_run_at for best-effort FIFO.
func (q *pgQueue) claim(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	v, err := q.do(func() (any, error) {
		tx, err := q.pool.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		row := tx.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE queue_name = $1
			  AND status IN ('waiting', 'delayed')
			  AND next_run_at <= now()
			ORDER BY next_run_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, q.queueName)
		job, err := scanJob(row)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil, ErrNoJobAvailable
			}
			return nil, fmt.Errorf("claim query: %w", err)
		}

		now := time.Now().UTC()
		leaseExpires := now.Add(lease)
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = 'active', locked_at = $1, locked_by = $2, lease_expires_at = $3
			WHERE job_id = $4`, now, workerID, leaseExpires, job.JobID)
		if err != nil {
			return nil, fmt.Errorf("claim update: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit claim: %w", err)
		}

		job.Status = StatusActive
		job.LockedAt = &now
		job.LockedBy = &workerID
		job.LeaseExpiresAt = &leaseExpires
		return job, nil
	})
	if err != nil {
		return nil, err
	}
	job, _ := v.(*Job)
	return job, nil
}

func (q *pgQueue) renewLease(ctx context.Context, jobID string, lease time.Duration) error {
	_, err := q.do(func() (any, error) {
		newExpiry := time.Now().UTC().Add(lease)
		_, err := q.pool.Exec(ctx, `UPDATE jobs SET lease_expires_at = $1 WHERE job_id = $2 AND status = 'active'`, newExpiry, jobID)
		return nil, err
	})
	return err
}

func (q *pgQueue) complete(ctx context.Context, jobID string) error {
	_, err := q.do(func() (any, error) {
		_, err := q.pool.Exec(ctx, `UPDATE jobs SET status = 'completed', completed_at = now() WHERE job_id = $1`, jobID)
		return nil, err
	})
	return err
}

// fail schedules a retry with exponential backoff, or moves the job to its
// terminal failed state when attempts are exhausted.
func (q *pgQueue) fail(ctx context.Context, job *Job, handlerErr error, backoffBase time.Duration) (terminal bool, err error) {
	v, err := q.do(func() (any, error) {
		attemptsMade := job.AttemptsMade + 1
		errMsg := handlerErr.Error()
		if attemptsMade >= job.MaxAttempts {
			_, err := q.pool.Exec(ctx, `
				UPDATE jobs SET status = 'failed', attempts_made = $1, last_error = $2, completed_at = now()
				WHERE job_id = $3`, attemptsMade, errMsg, job.JobID)
			return true, err
		}
		nextRun := time.Now().UTC().Add(backoffFor(backoffBase, attemptsMade))
		_, err := q.pool.Exec(ctx, `
			UPDATE jobs SET status = 'waiting', attempts_made = $1, last_error = $2,
				next_run_at = $3, locked_by = NULL, locked_at = NULL, lease_expires_at = NULL
			WHERE job_id = $4`, attemptsMade, errMsg, nextRun, job.JobID)
		return false, err
	})
	if err != nil {
		return false, err
	}
	terminal, _ = v.(bool)
	return terminal, nil
}

// recoverStalled re-queues active jobs whose lease has expired without
// completion, incrementing their attempt count — a stall counts as a
// failed attempt.
func (q *pgQueue) recoverStalled(ctx context.Context) (int, error) {
	v, err := q.do(func() (any, error) {
		tag, err := q.pool.Exec(ctx, `
			UPDATE jobs SET status = 'waiting', attempts_made = attempts_made + 1,
				next_run_at = now(), locked_by = NULL, locked_at = NULL, lease_expires_at = NULL,
				last_error = 'stalled: lease expired without completion'
			WHERE queue_name = $1 AND status = 'active' AND lease_expires_at < now()`, q.queueName)
		if err != nil {
			return nil, err
		}
		return int(tag.RowsAffected()), nil
	})
	if err != nil {
		return 0, err
	}
	n, _ := v.(int)
	return n, nil
}

func (q *pgQueue) purgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	v, err := q.do(func() (any, error) {
		tag, err := q.pool.Exec(ctx, `
			DELETE FROM jobs
			WHERE queue_name = $1 AND status = 'completed' AND completed_at < now() - $2::interval`,
			q.queueName, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
		if err != nil {
			return 0, err
		}
		return int(tag.RowsAffected()), nil
	})
	if err != nil {
		return 0, err
	}
	n, _ := v.(int)
	return n, nil
}

func (q *pgQueue) stats(ctx context.Context) (Stats, error) {
	v, err := q.do(func() (any, error) {
		rows, err := q.pool.Query(ctx, `
			SELECT status, count(*) FROM jobs WHERE queue_name = $1 GROUP BY status`, q.queueName)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var s Stats
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				return nil, err
			}
			switch Status(status) {
			case StatusWaiting:
				s.Waiting = count
			case StatusActive:
				s.Active = count
			case StatusCompleted:
				s.Completed = count
			case StatusFailed:
				s.Failed = count
			case StatusDelayed:
				s.Delayed = count
			}
		}
		return s, rows.Err()
	})
	if err != nil {
		return Stats{}, err
	}
	s, _ := v.(Stats)
	return s, nil
}
