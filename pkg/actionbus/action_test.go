package actionbus

import "testing"

func TestState_IsTerminal(t *testing.T) {
	terminal := []State{Executed, Failed, Rejected, Expired, Cancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []State{Pending, ApprovedS, Executing}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
