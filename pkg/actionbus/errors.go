package actionbus

import "errors"

var (
	// ErrUnknownActionType is returned by Propose for an action_type with
	// no registered TypeConfig.
	ErrUnknownActionType = errors.New("actionbus: unknown action type")
	// ErrActionNotFound is returned when the requested action_id doesn't exist.
	ErrActionNotFound = errors.New("actionbus: action not found")
	// ErrTerminalState is returned by any mutating call against an action
	// already in a terminal state.
	ErrTerminalState = errors.New("actionbus: action is in a terminal state and cannot be mutated")
	// ErrWrongAutonomyLevel is returned when a caller invokes an operation
	// that doesn't apply to the action's configured autonomy level (e.g.
	// Confirm on an APPROVAL-level action).
	ErrWrongAutonomyLevel = errors.New("actionbus: operation does not apply to this action's autonomy level")
	// ErrTwoFARequired is returned by Approve on a CRITICAL action: a plain
	// approval is accepted as intent but does not advance state or trigger
	// execution until VerifyTwoFAAndApprove succeeds.
	ErrTwoFARequired = errors.New("actionbus: this action requires two-factor verification before approval takes effect")
	// ErrInvalidTwoFACode is returned when the supplied 2FA code fails
	// verification.
	ErrInvalidTwoFACode = errors.New("actionbus: invalid two-factor code")
	// ErrRateLimited is returned by Propose when an AUTO-level action_type
	// has exceeded its configured per-hour/per-day limit.
	ErrRateLimited = errors.New("actionbus: action type has exceeded its configured rate limit")
)
