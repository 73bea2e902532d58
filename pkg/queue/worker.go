package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tagers/ops-platform/pkg/lock"
)

// Handler processes one job's payload. Returning an error causes a retry
// (or terminal failure + DLQ handoff) per the queue's backoff policy.
type Handler func(ctx context.Context, job *Job) error

// Metrics receives per-job timing observations. Satisfied by pkg/audit;
// declared locally to avoid a dependency cycle. Nil is a valid no-op.
type Metrics interface {
	ObserveDuration(name string, d time.Duration, labels map[string]string)
}

// ConsumerOptions configures RegisterConsumer.
type ConsumerOptions struct {
	Concurrency int
	// PollInterval and PollJitter control the idle poll cadence.
	PollInterval time.Duration
	PollJitter   time.Duration
	// LockKeyFunc returns the per-conversation (or other) lock name a job
	// must hold before Handler runs, and ok=false to skip locking entirely
	// for jobs that don't need serialization.
	LockKeyFunc func(job *Job) (name string, ok bool)
	LockTTL     time.Duration
	LockWait    time.Duration
	// BackoffBase is passed to Queue.Fail on handler error.
	BackoffBase time.Duration
	// Lease is how long a claimed job is held before being considered
	// stalled if not completed.
	Lease time.Duration
	// ProcessDeadline bounds a single handler invocation; exceeding it
	// cancels the handler's context, and the resulting error retries
	// through the normal backoff policy.
	ProcessDeadline time.Duration
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.PollJitter <= 0 {
		o.PollJitter = 100 * time.Millisecond
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.LockWait <= 0 {
		o.LockWait = 15 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 45 * time.Second
	}
	if o.ProcessDeadline <= 0 {
		o.ProcessDeadline = 45 * time.Second
	}
	return o
}

// Consumer is a running pool of workers draining a Queue.
type Consumer struct {
	queue   *Queue
	dlq     *DLQ
	locks   *lock.Manager
	metrics Metrics
	handler Handler
	opts    ConsumerOptions
	id      string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// RegisterConsumer starts opts.Concurrency worker goroutines draining
// queue with handler. dlq and locks may be nil in tests that don't need
// terminal-failure handoff or lock serialization. metrics may be nil.
func RegisterConsumer(ctx context.Context, poolID string, q *Queue, dlq *DLQ, locks *lock.Manager, metrics Metrics, handler Handler, opts ConsumerOptions) *Consumer {
	opts = opts.withDefaults()
	c := &Consumer{
		queue:   q,
		dlq:     dlq,
		locks:   locks,
		metrics: metrics,
		handler: handler,
		opts:    opts,
		id:      poolID,
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < opts.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", poolID, i)
		c.wg.Add(1)
		go c.run(ctx, workerID)
	}
	return c
}

// Stop signals every worker to finish its current job and exit, then waits.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context, workerID string) {
	defer c.wg.Done()
	log := slog.With("worker_id", workerID)
	log.Info("worker started")

	for {
		select {
		case <-c.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			processed, err := c.pollAndProcess(ctx, workerID)
			if err != nil {
				log.Error("error processing job", "error", err)
				c.sleep(time.Second)
				continue
			}
			if !processed {
				c.sleep(c.pollInterval())
			}
		}
	}
}

func (c *Consumer) sleep(d time.Duration) {
	select {
	case <-c.stopCh:
	case <-time.After(d):
	}
}

func (c *Consumer) pollInterval() time.Duration {
	if c.opts.PollJitter <= 0 {
		return c.opts.PollInterval
	}
	offset := time.Duration(rand.Int64N(int64(2 * c.opts.PollJitter)))
	return c.opts.PollInterval - c.opts.PollJitter + offset
}

// pollAndProcess claims and runs at most one job. processed is false when
// there was nothing to claim.
func (c *Consumer) pollAndProcess(ctx context.Context, workerID string) (processed bool, err error) {
	job, err := c.queue.Claim(ctx, workerID, c.opts.Lease)
	if err != nil {
		if errors.Is(err, ErrNoJobAvailable) {
			return false, nil
		}
		return false, err
	}

	queueWait := time.Since(job.EnqueuedAt)
	start := time.Now()
	log := slog.With("job_id", job.JobID, "queue_name", job.QueueName, "worker_id", workerID)
	log.Info("job claimed", "queue_wait", queueWait)

	lockKey, needsLock := "", false
	if c.opts.LockKeyFunc != nil {
		lockKey, needsLock = c.opts.LockKeyFunc(job)
	}

	var handlerErr error
	if needsLock && c.locks != nil {
		result, ran, withLockErr := lock.WithLock(ctx, c.locks, lockKey, c.opts.LockTTL, c.opts.LockWait, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.runWithRenewal(ctx, job, workerID)
		})
		switch {
		case !ran && withLockErr != nil:
			// Acquire itself failed (KV/lock infra error), not a handler
			// error or a lock timeout — bubble up as a poll error.
			return true, withLockErr
		case !ran:
			// Another worker holds this conversation's lock; this is
			// expected, not an error.
			if err := c.queue.Complete(ctx, job); err != nil {
				return true, err
			}
			log.Info("job skipped: lock_timeout")
			return true, nil
		default:
			handlerErr = withLockErr
			if result.Staleness {
				log.Warn("job completed under a lock that was lost mid-run", "lock_name", lockKey)
			}
		}
	} else {
		handlerErr = c.runWithRenewal(ctx, job, workerID)
	}

	processingTime := time.Since(start)
	c.observe("queue_wait", queueWait, job.QueueName)
	c.observe("processing_time", processingTime, job.QueueName)
	c.observe("end_to_end", queueWait+processingTime, job.QueueName)

	if handlerErr != nil {
		terminal, failErr := c.queue.Fail(ctx, job, handlerErr, c.opts.BackoffBase)
		if failErr != nil {
			return true, failErr
		}
		if terminal && c.dlq != nil {
			if err := c.dlq.MoveToDLQ(ctx, job, handlerErr); err != nil {
				log.Error("failed to move terminally-failed job to dlq", "error", err)
			}
		}
		log.Warn("job handler failed", "error", handlerErr, "terminal", terminal)
		return true, nil
	}

	if err := c.queue.Complete(ctx, job); err != nil {
		return true, err
	}
	log.Info("job completed")
	return true, nil
}

// runWithRenewal executes the handler under its processing deadline,
// issuing one lease renewal if execution runs past 2/3 of the lease window.
func (c *Consumer) runWithRenewal(ctx context.Context, job *Job, workerID string) error {
	renewCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-renewCtx.Done():
			return
		case <-time.After(c.opts.Lease * 2 / 3):
		}
		if err := c.queue.RenewLease(renewCtx, job, c.opts.Lease); err != nil {
			slog.Warn("job lease renewal failed", "job_id", job.JobID, "error", err)
		}
	}()

	handlerCtx, cancelHandler := context.WithTimeout(ctx, c.opts.ProcessDeadline)
	defer cancelHandler()
	return c.handler(handlerCtx, job)
}

func (c *Consumer) observe(name string, d time.Duration, queueName string) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveDuration(name, d, map[string]string{"queue_name": queueName})
}
