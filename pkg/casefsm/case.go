package casefsm

import (
	"encoding/json"
	"time"
)

// Case is an investigation case. The schema is deliberately a fixed
// struct: unknown fields are rejected on write by scanning into it.
type Case struct {
	CaseID      string
	CaseType    string
	Severity    string
	Title       string
	Description string
	Scope       map[string]any
	State       State
	Evidence    []json.RawMessage
	Hypotheses  []json.RawMessage
	Diagnosis   *string
	DetectorID  *string
	RunID       *string
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TransitionRecord is one append-only transition log entry.
type TransitionRecord struct {
	CaseID    string
	FromState State
	ToState   State
	Event     Event
	Actor     string
	Context   map[string]any
	At        time.Time
}
