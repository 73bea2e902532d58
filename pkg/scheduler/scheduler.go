// Package scheduler implements the cron-triggered detector runner: on
// boot, each active detector subscribes to its configured cron schedule; on
// fire, a job is enqueued onto a dedicated queue rather than run inline, so
// a slow or wedged detector can't block the scheduler loop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tagers/ops-platform/pkg/queue"
	"github.com/tagers/ops-platform/pkg/ratelimit"
)

// DetectorsQueueName is the dedicated queue detector runs are enqueued
// onto.
const DetectorsQueueName = "detectors"

// Entry is one scheduled detector.
type Entry struct {
	DetectorID string
	Schedule   string // cron expression
	Scope      map[string]any
}

// Scheduler owns the cron loop and the concurrency/rate envelope around
// enqueueing detector runs.
type Scheduler struct {
	cron   *cron.Cron
	loc    *time.Location
	queue  *queue.Queue
	limits *ratelimit.Limiter
	log    *slog.Logger

	concurrencyCap int
	globalPerMin   int64

	mu      sync.Mutex
	running int
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithConcurrencyCap bounds how many detector runs may be enqueued-and-not-
// yet-consumed at once (default 3).
func WithConcurrencyCap(n int) Option { return func(s *Scheduler) { s.concurrencyCap = n } }

// WithGlobalRateLimit bounds total detector starts per minute across all
// detectors (default 10).
func WithGlobalRateLimit(perMinute int64) Option {
	return func(s *Scheduler) { s.globalPerMin = perMinute }
}

// New builds a Scheduler. The timezone defaults to America/Mexico_City
// when loc is nil.
func New(q *queue.Queue, limits *ratelimit.Limiter, loc *time.Location, opts ...Option) *Scheduler {
	if loc == nil {
		if l, err := time.LoadLocation("America/Mexico_City"); err == nil {
			loc = l
		} else {
			loc = time.UTC
		}
	}
	s := &Scheduler{
		cron:           cron.New(cron.WithLocation(loc)),
		loc:            loc,
		queue:          q,
		limits:         limits,
		log:            slog.With("component", "scheduler"),
		concurrencyCap: 3,
		globalPerMin:   10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register subscribes entry to its cron schedule. Must be called before
// Start.
func (s *Scheduler) Register(entry Entry) error {
	_, err := s.cron.AddFunc(entry.Schedule, func() {
		ctx := context.Background()
		if err := s.fire(ctx, entry); err != nil {
			s.log.Error("scheduled detector fire failed", "detector_id", entry.DetectorID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", entry.DetectorID, err)
	}
	return nil
}

// Location returns the timezone the scheduler's cron triggers fire in.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Start begins the cron loop. Non-blocking; call Stop to drain.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop drains the cron loop, waiting for any in-flight job triggers to
// return.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// Trigger bypasses the schedule and enqueues detectorID immediately against
// scope, for manual one-off runs.
func (s *Scheduler) Trigger(ctx context.Context, detectorID string, scope map[string]any) error {
	return s.fire(ctx, Entry{DetectorID: detectorID, Scope: scope})
}

func (s *Scheduler) fire(ctx context.Context, entry Entry) error {
	if s.limits != nil {
		allowed, err := s.limits.Check(ctx, "scheduler:global", s.globalPerMin, time.Minute)
		if err != nil {
			return fmt.Errorf("global rate check: %w", err)
		}
		if !allowed {
			s.log.Warn("global detector start rate limit exceeded, skipping fire", "detector_id", entry.DetectorID)
			return nil
		}
	}

	s.mu.Lock()
	if s.running >= s.concurrencyCap {
		s.mu.Unlock()
		s.log.Warn("detector concurrency cap reached, skipping fire", "detector_id", entry.DetectorID, "cap", s.concurrencyCap)
		return nil
	}
	s.running++
	s.mu.Unlock()

	data := map[string]any{"detector_id": entry.DetectorID, "scope": entry.Scope}
	if _, err := s.queue.Add(ctx, "run_detector", data, queue.AddOptions{Attempts: 1}); err != nil {
		s.release()
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Released is called by the consumer handler once a detector job finishes,
// freeing a concurrency slot. Wire this into the queue.Handler for the
// "detectors" queue.
func (s *Scheduler) Released() { s.release() }

func (s *Scheduler) release() {
	s.mu.Lock()
	if s.running > 0 {
		s.running--
	}
	s.mu.Unlock()
}
