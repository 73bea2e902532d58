package casefsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InvalidTransition is raised when (from, event) is not an edge of the
// graph in states.go. Legal carries the events that would have succeeded.
type InvalidTransition struct {
	From   State
	Event  Event
	Legal  []Event
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("casefsm: invalid transition: event %s is not valid from state %s (legal: %v)", e.Event, e.From, e.Legal)
}

// ErrCaseNotFound is returned when the requested case_id does not exist.
var ErrCaseNotFound = errors.New("casefsm: case not found")

// ErrConcurrentModification is returned when a transition loses an
// optimistic version race — another writer updated the case between this
// caller's read and write.
var ErrConcurrentModification = errors.New("casefsm: case was modified concurrently, retry")

// Machine is the case state machine, backed by Postgres. Case writes
// are totally ordered per case_id via the cases.version optimistic check;
// a loser gets ErrConcurrentModification and retries. Callers wanting to
// avoid retries under heavy contention can additionally hold the
// "lock:case:<case_id>" short lock from pkg/lock around Transition.
type Machine struct {
	pool *pgxpool.Pool
}

// New builds a Machine.
func New(pool *pgxpool.Pool) *Machine {
	return &Machine{pool: pool}
}

// Create inserts a new Case in the initial Open state.
func (m *Machine) Create(ctx context.Context, c Case) (Case, error) {
	if c.CaseID == "" {
		c.CaseID = uuid.NewString()
	}
	c.State = Open
	c.Version = 1
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	scope, _ := json.Marshal(c.Scope)
	evidence, _ := json.Marshal(c.Evidence)
	hypotheses, _ := json.Marshal(c.Hypotheses)

	_, err := m.pool.Exec(ctx, `
		INSERT INTO cases (case_id, case_type, severity, title, description, scope, state,
			evidence, hypotheses, diagnosis, detector_id, run_id, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		c.CaseID, c.CaseType, c.Severity, c.Title, c.Description, scope, c.State,
		evidence, hypotheses, c.Diagnosis, c.DetectorID, c.RunID, c.Version, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return Case{}, fmt.Errorf("casefsm: create: %w", err)
	}
	return c, nil
}

// Get loads a case by id.
func (m *Machine) Get(ctx context.Context, caseID string) (Case, error) {
	row := m.pool.QueryRow(ctx, `
		SELECT case_id, case_type, severity, title, description, scope, state,
			evidence, hypotheses, diagnosis, detector_id, run_id, version, created_at, updated_at
		FROM cases WHERE case_id = $1`, caseID)
	return scanCase(row)
}

func scanCase(row pgx.Row) (Case, error) {
	var c Case
	var scope, evidence, hypotheses json.RawMessage
	err := row.Scan(&c.CaseID, &c.CaseType, &c.Severity, &c.Title, &c.Description, &scope, &c.State,
		&evidence, &hypotheses, &c.Diagnosis, &c.DetectorID, &c.RunID, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("casefsm: scan: %w", err)
	}
	_ = json.Unmarshal(scope, &c.Scope)
	_ = json.Unmarshal(evidence, &c.Evidence)
	_ = json.Unmarshal(hypotheses, &c.Hypotheses)
	return c, nil
}

// Transition validates and applies event to the case, appending a
// TransitionRecord and returning the new state. Returns *InvalidTransition
// if (current state, event) is not an edge.
func (m *Machine) Transition(ctx context.Context, caseID string, event Event, actor string, transitionCtx map[string]any) (State, error) {
	c, err := m.Get(ctx, caseID)
	if err != nil {
		return "", err
	}

	to, ok := next(c.State, event)
	if !ok {
		return "", &InvalidTransition{From: c.State, Event: event, Legal: LegalEvents(c.State)}
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("casefsm: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE cases SET state = $1, version = version + 1, updated_at = now()
		WHERE case_id = $2 AND version = $3`, to, caseID, c.Version)
	if err != nil {
		return "", fmt.Errorf("casefsm: apply transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrConcurrentModification
	}

	ctxPayload, _ := json.Marshal(transitionCtx)
	if _, err := tx.Exec(ctx, `
		INSERT INTO case_transitions (case_id, from_state, to_state, event, actor, context, at)
		VALUES ($1,$2,$3,$4,$5,$6, now())`,
		caseID, c.State, to, event, actor, ctxPayload); err != nil {
		return "", fmt.Errorf("casefsm: record transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("casefsm: commit transition: %w", err)
	}
	return to, nil
}

// History returns the append-only transition log for caseID, oldest first.
func (m *Machine) History(ctx context.Context, caseID string) ([]TransitionRecord, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT case_id, from_state, to_state, event, actor, context, at
		FROM case_transitions WHERE case_id = $1 ORDER BY at ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("casefsm: history: %w", err)
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var r TransitionRecord
		var ctxRaw json.RawMessage
		if err := rows.Scan(&r.CaseID, &r.FromState, &r.ToState, &r.Event, &r.Actor, &ctxRaw, &r.At); err != nil {
			return nil, fmt.Errorf("casefsm: scan history: %w", err)
		}
		_ = json.Unmarshal(ctxRaw, &r.Context)
		out = append(out, r)
	}
	return out, rows.Err()
}

// OpenNonClosedForScope reports whether a non-CLOSED case already exists
// for the given case_type within a scope fingerprint, within the lookback
// window. Used by the detector framework's case-promotion cooldown.
func (m *Machine) OpenNonClosedForScope(ctx context.Context, caseType, scopeFingerprint string, lookback time.Duration) (bool, error) {
	var count int
	intervalSeconds := fmt.Sprintf("%d seconds", int(lookback.Seconds()))
	err := m.pool.QueryRow(ctx, `
		SELECT count(*) FROM cases
		WHERE case_type = $1 AND state != 'CLOSED'
		  AND scope->>'fingerprint' = $2 AND created_at > now() - $3::interval`,
		caseType, scopeFingerprint, intervalSeconds).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("casefsm: open-for-scope check: %w", err)
	}
	return count > 0, nil
}
