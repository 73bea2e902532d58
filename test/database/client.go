// Package database provides test database helpers built on testcontainers.
package database

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tagers/ops-platform/pkg/database"
	"github.com/tagers/ops-platform/test/util"
)

// NewTestClient creates a *database.Client against a fresh schema on the
// shared test PostgreSQL instance (testcontainers locally, CI_DATABASE_URL
// in CI). Migrations run automatically. The schema is dropped and the pool
// closed via t.Cleanup.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	baseConnStr := util.GetBaseConnectionString(t)
	schemaName := util.GenerateSchemaName(t)
	util.CreateSchema(t, baseConnStr, schemaName)
	t.Cleanup(func() { util.DropSchema(t, baseConnStr, schemaName) })

	cfg := connStringToConfig(t, baseConnStr)
	cfg.Schema = schemaName
	cfg.MaxOpenConns = 10
	cfg.MaxIdleConns = 5

	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client
}

// connStringToConfig parses a postgres:// DSN (as returned by testcontainers)
// into a database.Config. Used only by tests; production config is loaded
// from the environment via database.LoadConfigFromEnv.
func connStringToConfig(t *testing.T, connStr string) database.Config {
	t.Helper()
	u, err := url.Parse(connStr)
	require.NoError(t, err)

	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	password, _ := u.User.Password()
	sslmode := u.Query().Get("sslmode")
	if sslmode == "" {
		sslmode = "disable"
	}

	return database.Config{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		Database: strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslmode,
	}
}
