package audit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagers/ops-platform/pkg/audit"
	testdb "github.com/tagers/ops-platform/test/database"
)

func TestRecorder_PersistsAndListsEntries(t *testing.T) {
	client := testdb.NewTestClient(t)
	r := audit.New(client.Pool)
	ctx := context.Background()

	r.RecordEvent(ctx, "admin", "blocklist.added", "contact", "+5215512345678", map[string]any{"tier": "kv"})
	r.RecordEvent(ctx, "admin", "blocklist.removed", "contact", "+5215512345678", nil)
	r.RecordEvent(ctx, "worker-1", "queue.paused", "queue", "default", nil)

	entries, err := r.List(ctx, "contact", "+5215512345678", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, "blocklist.removed", entries[0].Action)
	assert.Equal(t, "blocklist.added", entries[1].Action)
	assert.Equal(t, "admin", entries[0].Actor)
	assert.Equal(t, "kv", entries[1].Payload["tier"])
}

func TestRecorder_ListScopedToTarget(t *testing.T) {
	client := testdb.NewTestClient(t)
	r := audit.New(client.Pool)
	ctx := context.Background()

	r.RecordEvent(ctx, "worker-1", "lock.orphaned", "lock", "conversation:c-1", nil)

	entries, err := r.List(ctx, "lock", "conversation:c-2", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
