package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBlocklist struct{ blocked map[string]bool }

func (s stubBlocklist) IsBlocked(contact string) (bool, error) { return s.blocked[contact], nil }

func TestDispatch_BlocklistShortCircuits(t *testing.T) {
	policies := Policies{Blocklist: stubBlocklist{blocked: map[string]bool{"+15551234567": true}}}
	event := InboundEvent{Text: "hello", Contact: Contact{Phone: "+1 (555) 123-4567"}}

	route, err := Dispatch(event, FlowSnapshot{}, policies)
	require.NoError(t, err)
	assert.Equal(t, Drop, route.Kind)
}

func TestDispatch_ActiveFlowPinsRoute(t *testing.T) {
	route, err := Dispatch(InboundEvent{Text: "the blue one please"}, FlowSnapshot{Active: true, Type: "ORDER_CREATE"}, Policies{})
	require.NoError(t, err)
	assert.Equal(t, FlowOrderCreate, route.Kind)
	assert.True(t, route.Continue)
}

func TestDispatch_CancelOverridesActiveFlow(t *testing.T) {
	route, err := Dispatch(InboundEvent{Text: "actually cancel that"}, FlowSnapshot{Active: true, Type: "ORDER_CREATE"}, Policies{})
	require.NoError(t, err)
	assert.Equal(t, SimpleReply, route.Kind)
	assert.True(t, route.ClearFlow)
}

func TestDispatch_HandoffOverridesActiveFlow(t *testing.T) {
	route, err := Dispatch(InboundEvent{Text: "let me talk to a human"}, FlowSnapshot{Active: true, Type: "ORDER_STATUS"}, Policies{})
	require.NoError(t, err)
	assert.Equal(t, HandoffHuman, route.Kind)
}

func TestDispatch_GreetingWithNoState(t *testing.T) {
	route, err := Dispatch(InboundEvent{Text: "hello there"}, FlowSnapshot{}, Policies{})
	require.NoError(t, err)
	assert.Equal(t, Greeting, route.Kind)
}

func TestDispatch_FAQMatch(t *testing.T) {
	route, err := Dispatch(InboundEvent{Text: "what time do you open tomorrow?"}, FlowSnapshot{}, Policies{})
	require.NoError(t, err)
	assert.Equal(t, FAQ, route.Kind)
	assert.Equal(t, "hours", route.FAQKey)
}

func TestDispatch_FallsThroughToAgentic(t *testing.T) {
	route, err := Dispatch(InboundEvent{Text: "the weather is nice"}, FlowSnapshot{}, Policies{})
	require.NoError(t, err)
	assert.Equal(t, AgenticFlow, route.Kind)
}

func TestDeriveIdempotencyKey_Deterministic(t *testing.T) {
	a := DeriveIdempotencyKey("crm", "message_created", "evt-123")
	b := DeriveIdempotencyKey("crm", "message_created", "evt-123")
	c := DeriveIdempotencyKey("crm", "message_created", "evt-124")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNormalizeContact(t *testing.T) {
	assert.Equal(t, "+15551234567", normalizeContact(Contact{Phone: "+1 (555) 123-4567"}))
	assert.Equal(t, "user@example.com", normalizeContact(Contact{Email: " User@Example.com "}))
}
