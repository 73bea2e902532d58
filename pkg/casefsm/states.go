// Package casefsm implements the case/finding state machine: a fixed
// directed graph of states and events, validated transitions, and an
// append-only transition log. Case writes are totally ordered per case_id
// via an optimistic version check.
package casefsm

import "sort"

// State is one of the ten enumerated case states.
type State string

const (
	Open          State = "OPEN"
	Investigating State = "INVESTIGATING"
	Diagnosed     State = "DIAGNOSED"
	Recommended   State = "RECOMMENDED"
	Approved      State = "APPROVED"
	Executing     State = "EXECUTING"
	Executed      State = "EXECUTED"
	Measuring     State = "MEASURING"
	Measured      State = "MEASURED"
	Closed        State = "CLOSED"
)

// Event is one of the enumerated transition triggers.
type Event string


const (
	StartInvestigation    Event = "START_INVESTIGATION"
	CloseAsNoise          Event = "CLOSE_AS_NOISE"
	AddEvidence           Event = "ADD_EVIDENCE"
	NeedMoreInfo          Event = "NEED_MORE_INFO"
	Diagnose              Event = "DIAGNOSE"
	CloseAsFalsePositive  Event = "CLOSE_AS_FALSE_POSITIVE"
	RecommendAction       Event = "RECOMMEND_ACTION"
	CloseNoActionNeeded   Event = "CLOSE_NO_ACTION_NEEDED"
	ApproveAction         Event = "APPROVE_ACTION"
	RejectAction          Event = "REJECT_ACTION"
	ModifyRecommendation  Event = "MODIFY_RECOMMENDATION"
	StartExecution        Event = "START_EXECUTION"
	Cancel                Event = "CANCEL"
	ExecutionSuccess      Event = "EXECUTION_SUCCESS"
	ExecutionFailed       Event = "EXECUTION_FAILED"
	StartMeasurement      Event = "START_MEASUREMENT"
	SkipMeasurement       Event = "SKIP_MEASUREMENT"
	MeasurementComplete   Event = "MEASUREMENT_COMPLETE"
	CloseWithLearnings    Event = "CLOSE_WITH_LEARNINGS"
	Reopen                Event = "REOPEN"
)

// graph is the full case transition edge table. Self-loops
// (ADD_EVIDENCE, NEED_MORE_INFO, MODIFY_RECOMMENDATION) and the three
// edges that point backward in the otherwise forward progression
// (REJECT_ACTION: RECOMMENDED→DIAGNOSED, EXECUTION_FAILED:
// EXECUTING→APPROVED, and REOPEN) are the exceptions to acyclicity; states_test.go
// asserts every state stays reachable from OPEN so a typo can't strand one.
var graph = map[State]map[Event]State{
	Open: {
		StartInvestigation: Investigating,
		CloseAsNoise:       Closed,
	},
	Investigating: {
		AddEvidence:          Investigating,
		NeedMoreInfo:         Investigating,
		Diagnose:             Diagnosed,
		CloseAsFalsePositive: Closed,
	},
	Diagnosed: {
		RecommendAction:     Recommended,
		CloseNoActionNeeded: Closed,
	},
	Recommended: {
		ApproveAction:        Approved,
		RejectAction:         Diagnosed,
		ModifyRecommendation: Recommended,
	},
	Approved: {
		StartExecution: Executing,
		Cancel:         Closed,
	},
	Executing: {
		ExecutionSuccess: Executed,
		ExecutionFailed:  Approved,
	},
	Executed: {
		StartMeasurement: Measuring,
		SkipMeasurement:  Closed,
	},
	Measuring: {
		MeasurementComplete: Measured,
	},
	Measured: {
		CloseWithLearnings: Closed,
	},
	Closed: {
		Reopen: Investigating,
	},
}

// LegalEvents returns the events valid from state, sorted so
// InvalidTransition error messages are stable.
func LegalEvents(from State) []Event {
	edges := graph[from]
	if len(edges) == 0 {
		return nil
	}
	events := make([]Event, 0, len(edges))
	for e := range edges {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

// next returns the target state for (from, event) and whether that edge
// exists.
func next(from State, event Event) (State, bool) {
	edges, ok := graph[from]
	if !ok {
		return "", false
	}
	to, ok := edges[event]
	return to, ok
}
