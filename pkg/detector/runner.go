package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tagers/ops-platform/pkg/casefsm"
	"github.com/tagers/ops-platform/pkg/ratelimit"
)

// Runner executes one DetectorSpec's lifecycle: start a Run, load inputs,
// analyze, persist findings, promote to alerts/cases, finalize the run.
type Runner struct {
	pool   *pgxpool.Pool
	limits *ratelimit.Limiter
	cases  *casefsm.Machine
	log    *slog.Logger

	spec     DetectorSpec
	loader   InputLoader
	analyzer Analyzer

	mu            sync.Mutex
	lastRunID     string
	lastRunStatus RunStatus
}

// LastRun reports the most recent run's id and status for this detector,
// or empty values if it has never run in this process.
func (r *Runner) LastRun() (string, RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRunID, r.lastRunStatus
}

// New builds a Runner for spec, using loader to gather inputs and analyzer
// to turn them into findings.
func New(pool *pgxpool.Pool, limits *ratelimit.Limiter, cases *casefsm.Machine, spec DetectorSpec, loader InputLoader, analyzer Analyzer) *Runner {
	return &Runner{
		pool:     pool,
		limits:   limits,
		cases:    cases,
		log:      slog.With("component", "detector", "detector_id", spec.DetectorID),
		spec:     spec,
		loader:   loader,
		analyzer: analyzer,
	}
}

// Execute runs the detector once against scope and returns the completed
// Run. On any failure it marks the Run failed with the error recorded rather
// than swallowing it.
func (r *Runner) Execute(ctx context.Context, scope Scope) (Run, error) {
	run := Run{
		RunID:      uuid.NewString(),
		DetectorID: r.spec.DetectorID,
		Scope:      scope,
		StartedAt:  time.Now().UTC(),
		Status:     RunRunning,
	}
	if err := r.insertRun(ctx, run); err != nil {
		return Run{}, fmt.Errorf("detector: create run: %w", err)
	}

	result, runErr := r.execute(ctx, &run)
	run.CompletedAt = ptrTime(time.Now().UTC())
	durationMS := run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	run.DurationMS = &durationMS

	if runErr != nil {
		r.log.Error("detector run failed", "run_id", run.RunID, "error", runErr)
		run.Status = RunFailed
		msg := runErr.Error()
		run.Error = &msg
	} else {
		run.Status = RunCompleted
		run.FindingsCount = result.findingsCount
		run.AlertsCreated = result.alertsCreated
		run.CasesCreated = result.casesCreated
	}

	if err := r.finalizeRun(ctx, run); err != nil {
		return run, fmt.Errorf("detector: finalize run: %w", err)
	}
	r.mu.Lock()
	r.lastRunID = run.RunID
	r.lastRunStatus = run.Status
	r.mu.Unlock()
	if runErr != nil {
		return run, runErr
	}
	return run, nil
}

type executeResult struct {
	findingsCount int
	alertsCreated int
	casesCreated  int
}

func (r *Runner) execute(ctx context.Context, run *Run) (executeResult, error) {
	var res executeResult

	inputs, err := r.loader.Load(ctx, r.spec.InputDataProducts, run.Scope)
	if err != nil {
		return res, fmt.Errorf("load inputs: %w", err)
	}

	findings, err := r.analyzer.Analyze(ctx, inputs, run.Scope)
	if err != nil {
		return res, fmt.Errorf("analyze: %w", err)
	}

	for i := range findings {
		findings[i].FindingID = uuid.NewString()
		findings[i].RunID = run.RunID
		findings[i].DetectorID = r.spec.DetectorID
		if findings[i].Status == "" {
			findings[i].Status = "new"
		}
		if err := r.insertFinding(ctx, findings[i]); err != nil {
			return res, fmt.Errorf("persist finding %s: %w", findings[i].FindingID, err)
		}
	}
	res.findingsCount = len(findings)

	for _, f := range findings {
		promotedAlert, promotedCase, err := r.promote(ctx, run, f)
		if err != nil {
			return res, fmt.Errorf("promote finding %s: %w", f.FindingID, err)
		}
		if promotedAlert {
			res.alertsCreated++
		}
		if promotedCase {
			res.casesCreated++
		}
	}
	return res, nil
}

// promote applies the alert/case promotion rules for one finding.
func (r *Runner) promote(ctx context.Context, run *Run, f Finding) (alertCreated, caseCreated bool, err error) {
	highOrCritical := f.Severity == SeverityHigh || f.Severity == SeverityCritical

	if r.spec.OutputType == OutputAlert || highOrCritical {
		cooldown := time.Duration(r.spec.CooldownHours) * time.Hour
		if cooldown <= 0 {
			cooldown = 24 * time.Hour
		}
		key := fmt.Sprintf("detector-alert:%s:%s", r.spec.DetectorID, f.Scope.Fingerprint())
		allowed := true
		if r.limits != nil {
			allowed, err = r.limits.Check(ctx, key, 1, cooldown)
			if err != nil {
				return false, false, fmt.Errorf("alert cooldown check: %w", err)
			}
		}
		if allowed {
			if err := r.insertAlert(ctx, f, cooldown); err != nil {
				return false, false, fmt.Errorf("insert alert: %w", err)
			}
			alertCreated = true
		}
	}

	if r.spec.OutputType == OutputCase || f.Severity == SeverityCritical {
		openExists := false
		if r.cases != nil {
			openExists, err = r.cases.OpenNonClosedForScope(ctx, f.FindingType, f.Scope.Fingerprint(), 7*24*time.Hour)
			if err != nil {
				return alertCreated, false, fmt.Errorf("open-case check: %w", err)
			}
		}
		if !openExists && r.cases != nil {
			scope := map[string]any(f.Scope)
			_, err := r.cases.Create(ctx, casefsm.Case{
				CaseType:    f.FindingType,
				Severity:    string(f.Severity),
				Title:       f.Title,
				Description: f.Description,
				Scope:       scope,
				DetectorID:  &r.spec.DetectorID,
				RunID:       &run.RunID,
			})
			if err != nil {
				return alertCreated, false, fmt.Errorf("create case: %w", err)
			}
			caseCreated = true
		}
	}
	return alertCreated, caseCreated, nil
}

func (r *Runner) insertRun(ctx context.Context, run Run) error {
	scope, _ := json.Marshal(run.Scope)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO detector_runs (run_id, detector_id, scope, started_at, status)
		VALUES ($1,$2,$3,$4,$5)`, run.RunID, run.DetectorID, scope, run.StartedAt, run.Status)
	return err
}

func (r *Runner) finalizeRun(ctx context.Context, run Run) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE detector_runs SET completed_at = $1, status = $2, duration_ms = $3,
			input_row_count = $4, findings_count = $5, alerts_created = $6, cases_created = $7, error = $8
		WHERE run_id = $9`,
		run.CompletedAt, run.Status, run.DurationMS, run.InputRowCount, run.FindingsCount,
		run.AlertsCreated, run.CasesCreated, run.Error, run.RunID)
	return err
}

func (r *Runner) insertFinding(ctx context.Context, f Finding) error {
	evidence, _ := json.Marshal(f.Evidence)
	scope, _ := json.Marshal(f.Scope)
	var metricID *string
	var metricValue, metricBaseline, deviationPct *float64
	if f.Metric != nil {
		metricID = &f.Metric.MetricID
		metricValue = &f.Metric.Value
		metricBaseline = &f.Metric.Baseline
		d := f.Metric.DeviationPct()
		deviationPct = &d
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO findings (finding_id, run_id, detector_id, finding_type, severity, confidence,
			title, description, evidence, scope, metric_id, metric_value, metric_baseline, deviation_pct, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		f.FindingID, f.RunID, f.DetectorID, f.FindingType, f.Severity, f.Confidence,
		f.Title, f.Description, evidence, scope, metricID, metricValue, metricBaseline, deviationPct, f.Status)
	return err
}

func (r *Runner) insertAlert(ctx context.Context, f Finding, cooldown time.Duration) error {
	scope, _ := json.Marshal(f.Scope)
	expiresAt := time.Now().UTC().Add(cooldown)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO alerts (alert_id, detector_id, severity, title, message, scope, state, fingerprint, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,'active',$7,$8)`,
		uuid.NewString(), f.DetectorID, f.Severity, f.Title, f.Description, scope, f.Scope.Fingerprint(), expiresAt)
	return err
}

func ptrTime(t time.Time) *time.Time { return &t }
