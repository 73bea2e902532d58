package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fallbackQueue is the in-process queue used while the durable backend is
// unavailable. It has no persistence: jobs enqueued here are lost on
// restart — an accepted trade-off, as long as the mode is visible via
// Stats.Fallback and logged.
type fallbackQueue struct {
	mu        sync.Mutex
	queueName string
	waiting   []*Job
	active    map[string]*Job
	completed int64
	failed    int64
}

func newFallbackQueue(queueName string) *fallbackQueue {
	return &fallbackQueue{queueName: queueName, active: make(map[string]*Job)}
}

func (f *fallbackQueue) add(_ context.Context, name string, data json.RawMessage, opts AddOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if opts.JobID != "" {
		for _, j := range f.waiting {
			if j.JobID == opts.JobID {
				return j.JobID, nil
			}
		}
		if _, ok := f.active[opts.JobID]; ok {
			return opts.JobID, nil
		}
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 5
	}
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	now := time.Now().UTC()
	job := &Job{
		JobID:        jobID,
		QueueName:    f.queueName,
		Name:         name,
		Data:         data,
		Status:       StatusWaiting,
		MaxAttempts:  attempts,
		NextRunAt:    now.Add(opts.Delay),
		EnqueuedAt:   now,
		TraceContext: opts.TraceContext,
	}
	f.waiting = append(f.waiting, job)
	return jobID, nil
}

func (f *fallbackQueue) claim(_ context.Context, workerID string, lease time.Duration) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	for i, j := range f.waiting {
		if j.NextRunAt.After(now) {
			continue
		}
		f.waiting = append(f.waiting[:i], f.waiting[i+1:]...)
		j.Status = StatusActive
		lockedAt := now.UTC()
		leaseExpires := lockedAt.Add(lease)
		j.LockedAt = &lockedAt
		j.LockedBy = &workerID
		j.LeaseExpiresAt = &leaseExpires
		j.fromFallback = true
		f.active[j.JobID] = j
		return j, nil
	}
	return nil, ErrNoJobAvailable
}

func (f *fallbackQueue) renewLease(_ context.Context, jobID string, lease time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.active[jobID]; ok {
		newExpiry := time.Now().UTC().Add(lease)
		j.LeaseExpiresAt = &newExpiry
	}
	return nil
}

func (f *fallbackQueue) complete(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, jobID)
	f.completed++
	return nil
}

func (f *fallbackQueue) fail(_ context.Context, job *Job, handlerErr error, backoffBase time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, job.JobID)

	attemptsMade := job.AttemptsMade + 1
	errMsg := handlerErr.Error()
	if attemptsMade >= job.MaxAttempts {
		f.failed++
		job.Status = StatusFailed
		job.AttemptsMade = attemptsMade
		job.LastError = &errMsg
		return true, nil
	}
	job.Status = StatusWaiting
	job.AttemptsMade = attemptsMade
	job.LastError = &errMsg
	job.NextRunAt = time.Now().UTC().Add(backoffFor(backoffBase, attemptsMade))
	job.LockedBy = nil
	job.LockedAt = nil
	job.LeaseExpiresAt = nil
	f.waiting = append(f.waiting, job)
	return false, nil
}

func (f *fallbackQueue) recoverStalled(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	recovered := 0
	for id, j := range f.active {
		if j.LeaseExpiresAt == nil || j.LeaseExpiresAt.After(now) {
			continue
		}
		delete(f.active, id)
		j.Status = StatusWaiting
		j.AttemptsMade++
		j.NextRunAt = now
		j.LockedBy = nil
		j.LockedAt = nil
		j.LeaseExpiresAt = nil
		f.waiting = append(f.waiting, j)
		recovered++
	}
	return recovered, nil
}

func (f *fallbackQueue) stats(_ context.Context) (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Stats{Fallback: true, Completed: f.completed, Failed: f.failed, Active: int64(len(f.active))}
	now := time.Now()
	for _, j := range f.waiting {
		if j.NextRunAt.After(now) {
			s.Delayed++
		} else {
			s.Waiting++
		}
	}
	return s, nil
}
