// Package actionbus implements the action bus: the lifecycle of a
// proposed operational effect, gated by an autonomy level, executed
// idempotently against a content-addressed fingerprint.
package actionbus

import (
	"context"
	"encoding/json"
	"time"
)

// AutonomyLevel dictates the approval path before execution.
type AutonomyLevel string

const (
	AUTO     AutonomyLevel = "AUTO"
	DRAFT    AutonomyLevel = "DRAFT"
	APPROVAL AutonomyLevel = "APPROVAL"
	CRITICAL AutonomyLevel = "CRITICAL"
)

// State is one of the enumerated action states.
type State string

const (
	Pending   State = "PENDING"
	ApprovedS State = "APPROVED"
	Rejected  State = "REJECTED"
	Executing State = "EXECUTING"
	Executed  State = "EXECUTED"
	Failed    State = "FAILED"
	Expired   State = "EXPIRED"
	Cancelled State = "CANCELLED"
)

// IsTerminal reports whether further mutation is forbidden.
func (s State) IsTerminal() bool {
	switch s {
	case Executed, Failed, Rejected, Expired, Cancelled:
		return true
	default:
		return false
	}
}

// Action is one proposed operational effect and its lifecycle state.
type Action struct {
	ActionID             string
	CaseID               *string
	ActionType           string
	Payload              map[string]any
	AutonomyLevel        AutonomyLevel
	State                State
	RequestedBy          string
	ApprovedBy           *string
	ExecutionFingerprint string
	TwoFAVerified        bool
	Result               json.RawMessage
	ExecutedAt           *time.Time
	ExpiresAt            *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TypeConfig is the configured policy for one action_type, consulted by
// Propose. Registered via Bus.RegisterType.
type TypeConfig struct {
	Level      AutonomyLevel
	Handler    Executor
	Plan       DryRunner // optional
	ExpiresIn  time.Duration
	MaxPerHour int64 // 0 = unlimited; enforced only for AUTO
	MaxPerDay  int64
}

// Executor performs the actual external effect for one action_type.
type Executor func(ctx context.Context, payload map[string]any) (result map[string]any, err error)

// DryRunner computes an execution plan without emitting side effects.
type DryRunner func(ctx context.Context, payload map[string]any) (plan map[string]any, err error)
