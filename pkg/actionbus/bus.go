package actionbus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tagers/ops-platform/pkg/ratelimit"
)

// Bus is the action bus: it stores proposed actions, routes them through
// the approval path their TypeConfig.Level requires, and executes them
// exactly once per execution_fingerprint.
type Bus struct {
	pool   *pgxpool.Pool
	limits *ratelimit.Limiter
	log    *slog.Logger

	mu    sync.RWMutex
	types map[string]TypeConfig
}

// New builds a Bus. limits may be nil if no registered type sets MaxPerHour
// or MaxPerDay.
func New(pool *pgxpool.Pool, limits *ratelimit.Limiter) *Bus {
	return &Bus{
		pool:   pool,
		limits: limits,
		log:    slog.With("component", "actionbus"),
		types:  make(map[string]TypeConfig),
	}
}

// RegisterType binds actionType to its autonomy level, executor and limits.
func (b *Bus) RegisterType(actionType string, cfg TypeConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.types[actionType] = cfg
}

func (b *Bus) configFor(actionType string) (TypeConfig, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cfg, ok := b.types[actionType]
	return cfg, ok
}

func canonicalPayload(payload map[string]any) ([]byte, error) {
	// encoding/json sorts map[string]any keys lexicographically, giving a
	// deterministic encoding suitable for content-addressed hashing.
	return json.Marshal(payload)
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Propose records intent to perform actionType with payload. Proposing is
// idempotent: a retried call with the same action_type, payload, requestedBy
// and idempotencyKey returns the existing action rather than creating a
// duplicate.
func (b *Bus) Propose(ctx context.Context, actionType string, caseID *string, payload map[string]any, requestedBy, idempotencyKey string) (Action, error) {
	cfg, ok := b.configFor(actionType)
	if !ok {
		return Action{}, ErrUnknownActionType
	}

	if cfg.Level == AUTO && b.limits != nil {
		if cfg.MaxPerHour > 0 {
			allowed, err := b.limits.Check(ctx, "actionbus:"+actionType+":hour", cfg.MaxPerHour, time.Hour)
			if err != nil {
				return Action{}, fmt.Errorf("actionbus: rate check: %w", err)
			}
			if !allowed {
				return Action{}, ErrRateLimited
			}
		}
		if cfg.MaxPerDay > 0 {
			allowed, err := b.limits.Check(ctx, "actionbus:"+actionType+":day", cfg.MaxPerDay, 24*time.Hour)
			if err != nil {
				return Action{}, fmt.Errorf("actionbus: rate check: %w", err)
			}
			if !allowed {
				return Action{}, ErrRateLimited
			}
		}
	}

	canon, err := canonicalPayload(payload)
	if err != nil {
		return Action{}, fmt.Errorf("actionbus: marshal payload: %w", err)
	}
	proposalKey := hashParts(actionType, string(canon), requestedBy, idempotencyKey)

	now := time.Now().UTC()
	var expiresAt *time.Time
	if cfg.ExpiresIn > 0 {
		t := now.Add(cfg.ExpiresIn)
		expiresAt = &t
	}

	a := Action{
		ActionID:      uuid.NewString(),
		CaseID:        caseID,
		ActionType:    actionType,
		Payload:       payload,
		AutonomyLevel: cfg.Level,
		State:         Pending,
		RequestedBy:   requestedBy,
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	// execution_fingerprint is NOT NULL UNIQUE; seed it with the action_id so
	// every row satisfies the constraint before an execution attempt
	// narrows it to a real content-addressed fingerprint.
	executionFingerprint := hashParts("seed", a.ActionID)

	row := b.pool.QueryRow(ctx, `
		INSERT INTO actions (action_id, case_id, action_type, payload, autonomy_level, state,
			requested_by, execution_fingerprint, proposal_key, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (proposal_key) WHERE proposal_key IS NOT NULL DO UPDATE SET proposal_key = actions.proposal_key
		RETURNING action_id, case_id, action_type, payload, autonomy_level, state, requested_by,
			approved_by, execution_fingerprint, two_fa_verified, result, executed_at, expires_at,
			created_at, updated_at`,
		a.ActionID, a.CaseID, a.ActionType, canon, a.AutonomyLevel, a.State, a.RequestedBy,
		executionFingerprint, proposalKey, a.ExpiresAt, a.CreatedAt, a.UpdatedAt)
	out, err := scanAction(row)
	if err != nil {
		return Action{}, fmt.Errorf("actionbus: propose: %w", err)
	}

	// AUTO is the only level that needs no human in the loop: drive it
	// straight through the same approve-then-execute path the other levels
	// use, attributed to the system rather than a human actor.
	if cfg.Level == AUTO {
		return b.approveAndExecute(ctx, out, "system")
	}
	return out, nil
}

func scanAction(row pgx.Row) (Action, error) {
	var a Action
	var payload, result json.RawMessage
	err := row.Scan(&a.ActionID, &a.CaseID, &a.ActionType, &payload, &a.AutonomyLevel, &a.State,
		&a.RequestedBy, &a.ApprovedBy, &a.ExecutionFingerprint, &a.TwoFAVerified, &result,
		&a.ExecutedAt, &a.ExpiresAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Action{}, ErrActionNotFound
		}
		return Action{}, fmt.Errorf("scan: %w", err)
	}
	_ = json.Unmarshal(payload, &a.Payload)
	a.Result = result
	return a, nil
}

// Get loads an action by id.
func (b *Bus) Get(ctx context.Context, actionID string) (Action, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT action_id, case_id, action_type, payload, autonomy_level, state, requested_by,
			approved_by, execution_fingerprint, two_fa_verified, result, executed_at, expires_at,
			created_at, updated_at
		FROM actions WHERE action_id = $1`, actionID)
	return scanAction(row)
}

// Confirm is the DRAFT-level path: the requester themselves confirms a
// drafted action before it executes. Equivalent to Approve but restricted to
// DRAFT-level actions for clarity at call sites.
func (b *Bus) Confirm(ctx context.Context, actionID, confirmedBy string) (Action, error) {
	a, err := b.Get(ctx, actionID)
	if err != nil {
		return Action{}, err
	}
	if a.AutonomyLevel != DRAFT {
		return Action{}, ErrWrongAutonomyLevel
	}
	return b.approveAndExecute(ctx, a, confirmedBy)
}

// Approve is the APPROVAL-level path. For a CRITICAL action, Approve records
// the approver's intent but deliberately does not advance state or execute:
// callers must follow with VerifyTwoFAAndApprove.
func (b *Bus) Approve(ctx context.Context, actionID, approvedBy string) (Action, error) {
	a, err := b.Get(ctx, actionID)
	if err != nil {
		return Action{}, err
	}
	if a.State == Executed || a.State == Failed {
		return a, nil
	}
	if a.State.IsTerminal() {
		return Action{}, ErrTerminalState
	}
	if a.AutonomyLevel == CRITICAL {
		if _, err := b.pool.Exec(ctx, `UPDATE actions SET approved_by = $1, updated_at = now() WHERE action_id = $2`, approvedBy, actionID); err != nil {
			return Action{}, fmt.Errorf("actionbus: record approval intent: %w", err)
		}
		return Action{}, ErrTwoFARequired
	}
	if a.AutonomyLevel != APPROVAL {
		return Action{}, ErrWrongAutonomyLevel
	}
	return b.approveAndExecute(ctx, a, approvedBy)
}

// VerifyTwoFAAndApprove is the only path that can advance a CRITICAL action
// past PENDING. verify is a collaborator-supplied check (e.g. a TOTP or SMS
// code validator); a nil verify always succeeds, for callers that perform
// verification upstream and pass in a pre-verified intent.
func (b *Bus) VerifyTwoFAAndApprove(ctx context.Context, actionID, approvedBy string, verify func() bool) (Action, error) {
	a, err := b.Get(ctx, actionID)
	if err != nil {
		return Action{}, err
	}
	if a.AutonomyLevel != CRITICAL {
		return Action{}, ErrWrongAutonomyLevel
	}
	if a.State.IsTerminal() {
		// Idempotent: a retried verify call against an already-executed
		// action returns the stored result rather than re-running it.
		return a, nil
	}
	if verify != nil && !verify() {
		return Action{}, ErrInvalidTwoFACode
	}
	if _, err := b.pool.Exec(ctx, `
		UPDATE actions SET approved_by = $1, two_fa_verified = true, updated_at = now()
		WHERE action_id = $2`, approvedBy, actionID); err != nil {
		return Action{}, fmt.Errorf("actionbus: record two-factor approval: %w", err)
	}
	a.ApprovedBy = &approvedBy
	a.TwoFAVerified = true
	return b.approveAndExecute(ctx, a, approvedBy)
}

// Reject marks a non-terminal action REJECTED. Idempotent on an
// already-rejected action.
func (b *Bus) Reject(ctx context.Context, actionID, rejectedBy, reason string) (Action, error) {
	a, err := b.Get(ctx, actionID)
	if err != nil {
		return Action{}, err
	}
	if a.State == Rejected {
		return a, nil
	}
	if a.State.IsTerminal() {
		return Action{}, ErrTerminalState
	}
	if _, err := b.pool.Exec(ctx, `
		UPDATE actions SET state = $1, approved_by = $2, updated_at = now() WHERE action_id = $3`,
		Rejected, rejectedBy, actionID); err != nil {
		return Action{}, fmt.Errorf("actionbus: reject: %w", err)
	}
	a.State = Rejected
	a.ApprovedBy = &rejectedBy
	return a, nil
}

// approveAndExecute transitions a PENDING action to APPROVED then runs
// execute. The two-step UPDATE gives every execution attempt a visible
// APPROVED row even if the executor itself later fails.
func (b *Bus) approveAndExecute(ctx context.Context, a Action, approvedBy string) (Action, error) {
	if a.State == Executed || a.State == Failed {
		return a, nil
	}
	if a.State.IsTerminal() {
		return Action{}, ErrTerminalState
	}
	if _, err := b.pool.Exec(ctx, `
		UPDATE actions SET state = $1, approved_by = $2, updated_at = now() WHERE action_id = $3`,
		ApprovedS, approvedBy, a.ActionID); err != nil {
		return Action{}, fmt.Errorf("actionbus: approve: %w", err)
	}
	a.State = ApprovedS
	a.ApprovedBy = &approvedBy
	return b.execute(ctx, a)
}

// execute runs the registered Executor for a.ActionType exactly once per
// content-addressed execution_fingerprint: the fingerprint is computed and
// persisted before the external call, so a crash mid-execution and a retry
// both observe the UNIQUE(execution_fingerprint) row rather than firing the
// effect twice.
func (b *Bus) execute(ctx context.Context, a Action) (Action, error) {
	cfg, ok := b.configFor(a.ActionType)
	if !ok {
		return Action{}, ErrUnknownActionType
	}

	canon, err := canonicalPayload(a.Payload)
	if err != nil {
		return Action{}, fmt.Errorf("actionbus: marshal payload: %w", err)
	}
	fingerprint := hashParts(a.ActionID, string(canon))

	if fingerprint == a.ExecutionFingerprint {
		// This exact effect was already claimed: return the stored outcome
		// instead of running the handler again.
		return b.Get(ctx, a.ActionID)
	}

	if fingerprint != a.ExecutionFingerprint {
		tag, err := b.pool.Exec(ctx, `
			UPDATE actions SET state = $1, execution_fingerprint = $2, updated_at = now()
			WHERE action_id = $3 AND execution_fingerprint != $2`, Executing, fingerprint, a.ActionID)
		if err != nil {
			var pgErr interface{ SQLState() string }
			if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
				// Another action already claimed this fingerprint: this
				// exact effect has already run (or is running) elsewhere.
				return b.Get(ctx, a.ActionID)
			}
			return Action{}, fmt.Errorf("actionbus: claim execution: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return b.Get(ctx, a.ActionID)
		}
		a.ExecutionFingerprint = fingerprint
		a.State = Executing
	}

	if cfg.Handler == nil {
		return Action{}, fmt.Errorf("actionbus: action type %q has no registered executor", a.ActionType)
	}

	result, execErr := cfg.Handler(ctx, a.Payload)
	now := time.Now().UTC()
	if execErr != nil {
		b.log.Error("action execution failed", "action_id", a.ActionID, "action_type", a.ActionType, "error", execErr)
		if _, err := b.pool.Exec(ctx, `
			UPDATE actions SET state = $1, updated_at = now() WHERE action_id = $2`, Failed, a.ActionID); err != nil {
			return Action{}, fmt.Errorf("actionbus: record failure: %w", err)
		}
		a.State = Failed
		return a, execErr
	}

	resultJSON, _ := json.Marshal(result)
	if _, err := b.pool.Exec(ctx, `
		UPDATE actions SET state = $1, result = $2, executed_at = $3, updated_at = now()
		WHERE action_id = $4`, Executed, resultJSON, now, a.ActionID); err != nil {
		return Action{}, fmt.Errorf("actionbus: record success: %w", err)
	}
	a.State = Executed
	a.Result = resultJSON
	a.ExecutedAt = &now
	return a, nil
}

// DryRun invokes the registered DryRunner for actionType, if any, without
// persisting or executing anything.
func (b *Bus) DryRun(ctx context.Context, actionType string, payload map[string]any) (map[string]any, error) {
	cfg, ok := b.configFor(actionType)
	if !ok {
		return nil, ErrUnknownActionType
	}
	if cfg.Plan == nil {
		return nil, fmt.Errorf("actionbus: action type %q has no registered dry-run planner", actionType)
	}
	return cfg.Plan(ctx, payload)
}

// ProcessExpired scans PENDING actions past their expires_at and marks them
// EXPIRED, returning the number updated. Intended to run on a periodic sweep.
func (b *Bus) ProcessExpired(ctx context.Context) (int, error) {
	tag, err := b.pool.Exec(ctx, `
		UPDATE actions SET state = $1, updated_at = now()
		WHERE state = $2 AND expires_at IS NOT NULL AND expires_at < now()`, Expired, Pending)
	if err != nil {
		return 0, fmt.Errorf("actionbus: process expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
