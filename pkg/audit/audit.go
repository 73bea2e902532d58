// Package audit implements the append-only audit trail and lightweight
// telemetry surface that every other component writes through:
// structured events for invariant violations, lock staleness, dispatch
// decisions, and action-bus transitions, plus counters/histograms workers
// and the scheduler emit for /admin/stats.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is an append-only, structured
// record of "who did what to what".
type Entry struct {
	At         time.Time
	Actor      string
	Action     string
	TargetType string
	TargetID   string
	Payload    map[string]any
}

// Recorder is the audit/telemetry sink. It persists audit rows and
// aggregates in-process counters/histograms. Satisfies pkg/lock.AuditSink
// and pkg/queue.Metrics.
type Recorder struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	mu         sync.Mutex
	counters   map[string]int64
	histograms map[string][]time.Duration
}

// New builds a Recorder. pool may be nil, in which case RecordEvent logs
// only (used in tests and by components exercised without a database).
func New(pool *pgxpool.Pool) *Recorder {
	return &Recorder{
		pool:       pool,
		log:        slog.With("component", "audit"),
		counters:   make(map[string]int64),
		histograms: make(map[string][]time.Duration),
	}
}

// RecordEvent persists (or, with a nil pool, only logs) one AuditEntry.
// Failures are logged, not returned: the audit trail is best-effort and
// must never block the caller's primary operation — the trail records
// failures, it must not become a new failure mode itself.
func (r *Recorder) RecordEvent(ctx context.Context, actor, action, targetType, targetID string, payload map[string]any) {
	entry := Entry{At: time.Now().UTC(), Actor: actor, Action: action, TargetType: targetType, TargetID: targetID, Payload: payload}
	r.log.Info("audit event", "actor", actor, "action", action, "target_type", targetType, "target_id", targetID)

	if r.pool == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("audit: failed to marshal payload", "error", err)
		return
	}
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (at, actor, action, target_type, target_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.At, actor, action, targetType, targetID, raw); err != nil {
		r.log.Warn("audit: failed to persist entry", "error", err)
	}
}

// List returns recent audit entries for targetType/targetID, newest first.
// Used by admin/debug surfaces.
func (r *Recorder) List(ctx context.Context, targetType, targetID string, limit int) ([]Entry, error) {
	if r.pool == nil {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT at, actor, action, target_type, target_id, payload FROM audit_log
		WHERE target_type = $1 AND target_id = $2
		ORDER BY at DESC LIMIT $3`, targetType, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var raw json.RawMessage
		if err := rows.Scan(&e.At, &e.Actor, &e.Action, &e.TargetType, &e.TargetID, &raw); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(raw, &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// IncrCounter bumps a named counter by delta. Satisfies handlers that want
// simple request/outcome counts (webhook_received, dlq_moved, ...).
func (r *Recorder) IncrCounter(name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += delta
}

// ObserveDuration records a timing sample under name. labels are folded
// into the metric name for this in-process implementation (no external
// metrics backend is in scope); satisfies pkg/queue.Metrics.
func (r *Recorder) ObserveDuration(name string, d time.Duration, labels map[string]string) {
	key := name
	for _, v := range labels {
		key += ":" + v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms[key] = append(r.histograms[key], d)
	if len(r.histograms[key]) > 1000 {
		r.histograms[key] = r.histograms[key][len(r.histograms[key])-1000:]
	}
}

// Snapshot is a point-in-time read of the in-process telemetry, rendered by
// the admin/stats endpoint.
type Snapshot struct {
	Counters map[string]int64            `json:"counters"`
	Timings  map[string]TimingSummary     `json:"timings"`
}

// TimingSummary is a minimal percentile-free summary (count/min/max/avg) —
// sufficient for operator visibility without pulling in a metrics library
// for what is deliberately not a dashboarding or reporting surface.
type TimingSummary struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Stats returns a snapshot of all counters and histogram summaries.
func (r *Recorder) Stats() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Counters: make(map[string]int64, len(r.counters)),
		Timings:  make(map[string]TimingSummary, len(r.histograms)),
	}
	for k, v := range r.counters {
		snap.Counters[k] = v
	}
	for k, samples := range r.histograms {
		if len(samples) == 0 {
			continue
		}
		var sum, min, max time.Duration
		min = samples[0]
		for _, s := range samples {
			sum += s
			if s < min {
				min = s
			}
			if s > max {
				max = s
			}
		}
		snap.Timings[k] = TimingSummary{
			Count: int64(len(samples)),
			Min:   min,
			Max:   max,
			Avg:   sum / time.Duration(len(samples)),
		}
	}
	return snap
}
