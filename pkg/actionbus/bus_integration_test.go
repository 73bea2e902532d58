package actionbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagers/ops-platform/pkg/actionbus"
	testdb "github.com/tagers/ops-platform/test/database"
)

func TestBus_Propose_IsIdempotent(t *testing.T) {
	client := testdb.NewTestClient(t)
	b := actionbus.New(client.Pool, nil)
	b.RegisterType("send_refund", actionbus.TypeConfig{Level: actionbus.APPROVAL})
	ctx := context.Background()

	payload := map[string]any{"order_id": "o1", "amount": 10}
	a1, err := b.Propose(ctx, "send_refund", nil, payload, "agent-1", "idem-1")
	require.NoError(t, err)

	a2, err := b.Propose(ctx, "send_refund", nil, payload, "agent-1", "idem-1")
	require.NoError(t, err)
	assert.Equal(t, a1.ActionID, a2.ActionID)
}

func TestBus_Propose_UnknownType(t *testing.T) {
	client := testdb.NewTestClient(t)
	b := actionbus.New(client.Pool, nil)
	ctx := context.Background()

	_, err := b.Propose(ctx, "nope", nil, map[string]any{}, "agent-1", "")
	assert.ErrorIs(t, err, actionbus.ErrUnknownActionType)
}

func TestBus_AutoLevel_ExecutesImmediately(t *testing.T) {
	client := testdb.NewTestClient(t)
	b := actionbus.New(client.Pool, nil)
	var calls int
	b.RegisterType("send_faq", actionbus.TypeConfig{
		Level: actionbus.AUTO,
		Handler: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			calls++
			return map[string]any{"sent": true}, nil
		},
	})
	ctx := context.Background()

	a, err := b.Propose(ctx, "send_faq", nil, map[string]any{"faq_id": "f1"}, "system", "")
	require.NoError(t, err)
	assert.Equal(t, actionbus.Executed, a.State)
	assert.Equal(t, 1, calls)

	// Re-approving an already-executed action is a no-op, not a second call.
	again, err := b.Approve(ctx, a.ActionID, "system")
	require.NoError(t, err)
	assert.Equal(t, actionbus.Executed, again.State)
	assert.Equal(t, 1, calls)
}

// TestBus_CriticalLevel_RequiresTwoFA: a
// CRITICAL action's plain Approve must not advance state or execute; only
// VerifyTwoFAAndApprove may, and a repeat verify call is idempotent.
func TestBus_CriticalLevel_RequiresTwoFA(t *testing.T) {
	client := testdb.NewTestClient(t)
	b := actionbus.New(client.Pool, nil)
	var calls int
	b.RegisterType("issue_large_refund", actionbus.TypeConfig{
		Level: actionbus.CRITICAL,
		Handler: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			calls++
			return map[string]any{"refunded": true}, nil
		},
	})
	ctx := context.Background()

	a, err := b.Propose(ctx, "issue_large_refund", nil, map[string]any{"amount": 5000}, "agent-1", "")
	require.NoError(t, err)

	_, err = b.Approve(ctx, a.ActionID, "supervisor-1")
	assert.ErrorIs(t, err, actionbus.ErrTwoFARequired)
	assert.Equal(t, 0, calls)

	stillPending, err := b.Get(ctx, a.ActionID)
	require.NoError(t, err)
	assert.Equal(t, actionbus.Pending, stillPending.State)

	_, err = b.VerifyTwoFAAndApprove(ctx, a.ActionID, "supervisor-1", func() bool { return false })
	assert.ErrorIs(t, err, actionbus.ErrInvalidTwoFACode)
	assert.Equal(t, 0, calls)

	executed, err := b.VerifyTwoFAAndApprove(ctx, a.ActionID, "supervisor-1", func() bool { return true })
	require.NoError(t, err)
	assert.Equal(t, actionbus.Executed, executed.State)
	assert.True(t, executed.TwoFAVerified)
	assert.Equal(t, 1, calls)

	// Repeat verification against a terminal action is idempotent.
	again, err := b.VerifyTwoFAAndApprove(ctx, a.ActionID, "supervisor-1", func() bool { return true })
	require.NoError(t, err)
	assert.Equal(t, actionbus.Executed, again.State)
	assert.Equal(t, 1, calls)
}

func TestBus_Reject(t *testing.T) {
	client := testdb.NewTestClient(t)
	b := actionbus.New(client.Pool, nil)
	b.RegisterType("send_refund", actionbus.TypeConfig{Level: actionbus.APPROVAL})
	ctx := context.Background()

	a, err := b.Propose(ctx, "send_refund", nil, map[string]any{"order_id": "o2"}, "agent-1", "")
	require.NoError(t, err)

	rejected, err := b.Reject(ctx, a.ActionID, "supervisor-1", "not warranted")
	require.NoError(t, err)
	assert.Equal(t, actionbus.Rejected, rejected.State)

	_, err = b.Approve(ctx, a.ActionID, "supervisor-1")
	assert.ErrorIs(t, err, actionbus.ErrTerminalState)
}

func TestBus_ProcessExpired(t *testing.T) {
	client := testdb.NewTestClient(t)
	b := actionbus.New(client.Pool, nil)
	b.RegisterType("send_refund", actionbus.TypeConfig{Level: actionbus.APPROVAL, ExpiresIn: time.Millisecond})
	ctx := context.Background()

	a, err := b.Propose(ctx, "send_refund", nil, map[string]any{"order_id": "o3"}, "agent-1", "")
	require.NoError(t, err)
	require.NotNil(t, a.ExpiresAt)

	time.Sleep(20 * time.Millisecond)
	n, err := b.ProcessExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	expired, err := b.Get(ctx, a.ActionID)
	require.NoError(t, err)
	assert.Equal(t, actionbus.Expired, expired.State)
}
