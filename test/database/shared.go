package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tagers/ops-platform/pkg/database"
	"github.com/tagers/ops-platform/test/util"
)

// SharedTestDB creates a single PostgreSQL schema that can be shared by
// multiple test replicas. Each replica gets its own connection pool via
// NewClient, but all pools point to the same schema — enabling
// cross-replica tests that exercise PostgreSQL NOTIFY/LISTEN event
// delivery (pkg/audit).
type SharedTestDB struct {
	baseConnStr string
	schemaName  string
}

// NewSharedTestDB creates a shared test schema, runs migrations once, and
// registers t.Cleanup to drop the schema.
func NewSharedTestDB(t *testing.T) *SharedTestDB {
	t.Helper()

	baseConnStr := util.GetBaseConnectionString(t)
	schemaName := util.GenerateSchemaName(t)
	util.CreateSchema(t, baseConnStr, schemaName)

	s := &SharedTestDB{baseConnStr: baseConnStr, schemaName: schemaName}

	// Run migrations once via a throwaway client, then hand out independent
	// pools from NewClient.
	bootstrap := s.NewClient(t)
	bootstrap.Close()

	t.Cleanup(func() { util.DropSchema(t, baseConnStr, schemaName) })

	return s
}

// NewClient creates an independent *database.Client backed by a fresh
// connection pool to the shared schema.
func (s *SharedTestDB) NewClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	cfg := connStringToConfig(t, s.baseConnStr)
	cfg.Schema = s.schemaName
	cfg.MaxOpenConns = 10
	cfg.MaxIdleConns = 5

	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client
}
