package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrConfirmationRequired guards ClearAll against accidental bulk deletes.
var ErrConfirmationRequired = errors.New("dlq: confirmation token required")

// DLQJob is a dead-lettered job plus its failure metadata.
type DLQJob struct {
	DLQJobID     string
	SourceJobID  string
	QueueName    string
	Name         string
	Data         json.RawMessage
	AttemptsMade int
	ErrorMessage string
	Host         string
	FailedAt     time.Time
}

// DLQPage is one page of a DLQ listing.
type DLQPage struct {
	Jobs []DLQJob
}

// DLQ is the dead letter queue: terminally-failed jobs land here for
// inspection and manual or bulk retry.
type DLQ struct {
	pool  *pgxpool.Pool
	queue *Queue
	host  string
}

// NewDLQ builds a DLQ bound to queue (used to re-enqueue on retry).
func NewDLQ(pool *pgxpool.Pool, queue *Queue, host string) *DLQ {
	return &DLQ{pool: pool, queue: queue, host: host}
}

// MoveToDLQ stores the job's full payload and failure metadata.
func (d *DLQ) MoveToDLQ(ctx context.Context, job *Job, failErr error) error {
	dlqJobID := uuid.NewString()
	_, err := d.pool.Exec(ctx, `
		INSERT INTO dlq_jobs (dlq_job_id, source_job_id, queue_name, name, data, attempts_made, error_message, host, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		dlqJobID, job.JobID, job.QueueName, job.Name, job.Data, job.AttemptsMade, failErr.Error(), d.host)
	if err != nil {
		return fmt.Errorf("dlq: move to dlq: %w", err)
	}
	return nil
}

// ListDLQ returns up to limit entries starting at offset, ordered oldest
// first.
func (d *DLQ) ListDLQ(ctx context.Context, offset, limit int) (DLQPage, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT dlq_job_id, source_job_id, queue_name, name, data, attempts_made, error_message, host, failed_at
		FROM dlq_jobs ORDER BY failed_at ASC OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return DLQPage{}, fmt.Errorf("dlq: list: %w", err)
	}
	defer rows.Close()

	var page DLQPage
	for rows.Next() {
		var j DLQJob
		if err := rows.Scan(&j.DLQJobID, &j.SourceJobID, &j.QueueName, &j.Name, &j.Data, &j.AttemptsMade, &j.ErrorMessage, &j.Host, &j.FailedAt); err != nil {
			return DLQPage{}, fmt.Errorf("dlq: scan: %w", err)
		}
		page.Jobs = append(page.Jobs, j)
	}
	return page, rows.Err()
}

// retryJobID derives the deterministic job id used to re-enqueue a DLQ
// entry, so a retry of an already-retried entry is a no-op enqueue instead
// of a duplicate.
func retryJobID(dlqJobID string) string {
	sum := sha256.Sum256([]byte("dlq-retry:" + dlqJobID))
	return "retry-" + hex.EncodeToString(sum[:])[:32]
}

// Retry re-enqueues a DLQ entry with fresh attempts and removes it from the
// DLQ only after the enqueue succeeds, so a crash between the two leaves
// the entry retriable again with no duplicate effect.
func (d *DLQ) Retry(ctx context.Context, dlqJobID string) (newJobID string, err error) {
	var j DLQJob
	row := d.pool.QueryRow(ctx, `
		SELECT dlq_job_id, source_job_id, queue_name, name, data, attempts_made, error_message, host, failed_at
		FROM dlq_jobs WHERE dlq_job_id = $1`, dlqJobID)
	if err := row.Scan(&j.DLQJobID, &j.SourceJobID, &j.QueueName, &j.Name, &j.Data, &j.AttemptsMade, &j.ErrorMessage, &j.Host, &j.FailedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Missing row doesn't necessarily mean "unknown dlq_job_id" — a
			// prior Retry may have already succeeded and deleted it (we
			// only delete after a successful enqueue, above). That prior
			// retry's job id is deterministic, so treat this as a no-op
			// rather than an error: if the derived job already exists,
			// hand back the same id.
			jobID := retryJobID(dlqJobID)
			var existing string
			lookupErr := d.pool.QueryRow(ctx, `SELECT job_id FROM jobs WHERE job_id = $1`, jobID).Scan(&existing)
			if lookupErr == nil {
				return existing, nil
			}
			return "", fmt.Errorf("dlq: %w", err)
		}
		return "", fmt.Errorf("dlq: retry lookup: %w", err)
	}

	jobID := retryJobID(dlqJobID)
	var data any
	if err := json.Unmarshal(j.Data, &data); err != nil {
		return "", fmt.Errorf("dlq: retry decode payload: %w", err)
	}
	newID, err := d.queue.Add(ctx, j.Name, data, AddOptions{JobID: jobID})
	if err != nil {
		return "", fmt.Errorf("dlq: retry enqueue: %w", err)
	}

	if _, err := d.pool.Exec(ctx, `DELETE FROM dlq_jobs WHERE dlq_job_id = $1`, dlqJobID); err != nil {
		// The job is already safely re-enqueued; leaving the DLQ entry
		// around is harmless since a second Retry call is idempotent.
		return newID, fmt.Errorf("dlq: retry cleanup: %w", err)
	}
	return newID, nil
}

// RetryAll retries every DLQ entry, best-effort: it continues past
// individual failures and returns the ids it successfully re-enqueued.
func (d *DLQ) RetryAll(ctx context.Context) (retried []string, errs []error) {
	page, err := d.ListDLQ(ctx, 0, 10000)
	if err != nil {
		return nil, []error{err}
	}
	for _, j := range page.Jobs {
		newID, err := d.Retry(ctx, j.DLQJobID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		retried = append(retried, newID)
	}
	return retried, errs
}

// Discard permanently removes a DLQ entry without re-enqueueing it.
func (d *DLQ) Discard(ctx context.Context, dlqJobID string) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM dlq_jobs WHERE dlq_job_id = $1`, dlqJobID)
	if err != nil {
		return fmt.Errorf("dlq: discard: %w", err)
	}
	return nil
}

// ClearAll deletes every DLQ entry. confirmationToken must be non-empty as
// a guard against accidental bulk deletion from an admin endpoint.
func (d *DLQ) ClearAll(ctx context.Context, confirmationToken string) error {
	if confirmationToken == "" {
		return ErrConfirmationRequired
	}
	_, err := d.pool.Exec(ctx, `DELETE FROM dlq_jobs`)
	if err != nil {
		return fmt.Errorf("dlq: clear all: %w", err)
	}
	return nil
}
