package config

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ADMIN_TOKEN", "DB_PASSWORD", "KV_URL", "LOCK_TTL", "WORKER_CONCURRENCY",
		"JOB_MAX_ATTEMPTS", "DETECTOR_CONCURRENCY_CAP", "DETECTOR_RATE_LIMIT_PER_MINUTE",
		"OUTBOUND_QUIET_HOURS_START", "TIMEZONE",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_MissingAdminTokenFails(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_PASSWORD", "secret")
	_, err := Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestLoad_DefaultsApplyWithMinimalEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMIN_TOKEN", "tok")
	t.Setenv("DB_PASSWORD", "secret")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "messaging", cfg.QueueName)
	assert.Equal(t, 10, cfg.WorkerConcurrency)
	assert.Equal(t, "America/Mexico_City", cfg.Timezone.String())
}

func TestLoad_InvalidDurationIsRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMIN_TOKEN", "tok")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("LOCK_TTL", "not-a-duration")

	_, err := Load(context.Background())
	require.Error(t, err)
}

func TestLoad_CustomTimezoneHonored(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMIN_TOKEN", "tok")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("TIMEZONE", "UTC")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Timezone.String())
}
