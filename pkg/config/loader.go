package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Load is the primary entry point for configuration loading: start from
// defaults(), overlay every recognized environment variable, then validate
// in a fixed order (see validator.go) so a misconfigured process fails fast
// at startup rather than mid-request. Names are free; the
// ones below are this implementation's choice.
func Load(_ context.Context) (*Config, error) {
	cfg := defaults()

	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.ConfigDir = getEnv("CONFIG_DIR", cfg.ConfigDir)

	cfg.KVURL = getEnv("KV_URL", cfg.KVURL)

	if err := getDuration("LOCK_TTL", &cfg.LockTTL); err != nil {
		return nil, err
	}
	if err := getDuration("LOCK_WAIT_TIMEOUT", &cfg.LockWaitTimeout); err != nil {
		return nil, err
	}
	if err := getDuration("DRAIN_TIMEOUT", &cfg.DrainTimeout); err != nil {
		return nil, err
	}

	cfg.QueueName = getEnv("QUEUE_NAME", cfg.QueueName)
	if err := getInt("WORKER_CONCURRENCY", &cfg.WorkerConcurrency); err != nil {
		return nil, err
	}
	if err := getInt("JOB_MAX_ATTEMPTS", &cfg.JobMaxAttempts); err != nil {
		return nil, err
	}
	if err := getDuration("JOB_BACKOFF_BASE", &cfg.JobBackoffBase); err != nil {
		return nil, err
	}
	if err := getDuration("JOB_LEASE_WINDOW", &cfg.JobLeaseWindow); err != nil {
		return nil, err
	}
	if err := getDuration("JOB_PROCESS_DEADLINE", &cfg.JobProcessDeadline); err != nil {
		return nil, err
	}
	if err := getDuration("JOB_COMPLETED_RETENTION", &cfg.JobCompletedRetention); err != nil {
		return nil, err
	}
	if err := getDuration("DEDUPE_TTL", &cfg.DedupeTTL); err != nil {
		return nil, err
	}

	cfg.DetectorsQueueName = getEnv("DETECTORS_QUEUE_NAME", cfg.DetectorsQueueName)
	if err := getInt("DETECTOR_CONCURRENCY_CAP", &cfg.DetectorConcurrencyCap); err != nil {
		return nil, err
	}
	if err := getInt64("DETECTOR_RATE_LIMIT_PER_MINUTE", &cfg.DetectorRateLimitPerMinute); err != nil {
		return nil, err
	}
	if err := getDuration("CASE_LOCK_TTL", &cfg.CaseLockTTL); err != nil {
		return nil, err
	}

	if err := getInt("OUTBOUND_QUIET_HOURS_START", &cfg.OutboundQuietHoursStart); err != nil {
		return nil, err
	}
	if err := getInt("OUTBOUND_QUIET_HOURS_END", &cfg.OutboundQuietHoursEnd); err != nil {
		return nil, err
	}
	if err := getInt("OUTBOUND_MAX_PER_DAY", &cfg.OutboundMaxPerDay); err != nil {
		return nil, err
	}

	if tz := os.Getenv("TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, newValidationError("TIMEZONE", err)
		}
		cfg.Timezone = loc
	}

	if err := getDuration("REGISTRY_REFRESH", &cfg.RegistryRefresh); err != nil {
		return nil, err
	}

	cfg.DatabaseHost = getEnv("DB_HOST", cfg.DatabaseHost)
	if err := getInt("DB_PORT", &cfg.DatabasePort); err != nil {
		return nil, err
	}
	cfg.DatabaseUser = getEnv("DB_USER", cfg.DatabaseUser)
	cfg.DatabasePassword = os.Getenv("DB_PASSWORD")
	cfg.DatabaseName = getEnv("DB_NAME", cfg.DatabaseName)
	cfg.DatabaseSSLMode = getEnv("DB_SSLMODE", cfg.DatabaseSSLMode)

	cfg.SlackToken = os.Getenv("SLACK_TOKEN")
	cfg.SlackChannel = os.Getenv("SLACK_CHANNEL")

	cfg.CRMBaseURL = os.Getenv("CRM_BASE_URL")
	cfg.CRMAPIKey = os.Getenv("CRM_API_KEY")

	cfg.PaymentsProviderAName = getEnv("PAYMENTS_PROVIDER_A_NAME", cfg.PaymentsProviderAName)
	cfg.PaymentsProviderABaseURL = os.Getenv("PAYMENTS_PROVIDER_A_BASE_URL")
	cfg.PaymentsProviderAAPIKey = os.Getenv("PAYMENTS_PROVIDER_A_API_KEY")
	cfg.PaymentsProviderASecret = os.Getenv("PAYMENTS_PROVIDER_A_SECRET")

	cfg.PaymentsProviderBName = getEnv("PAYMENTS_PROVIDER_B_NAME", cfg.PaymentsProviderBName)
	cfg.PaymentsProviderBBaseURL = os.Getenv("PAYMENTS_PROVIDER_B_BASE_URL")
	cfg.PaymentsProviderBAPIKey = os.Getenv("PAYMENTS_PROVIDER_B_API_KEY")
	cfg.PaymentsProviderBSecret = os.Getenv("PAYMENTS_PROVIDER_B_SECRET")

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("configuration loaded", "queue_name", cfg.QueueName, "timezone", cfg.Timezone)
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, out *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return newValidationError(key, err)
	}
	*out = d
	return nil
}

func getInt(key string, out *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return newValidationError(key, err)
	}
	*out = n
	return nil
}

func getInt64(key string, out *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return newValidationError(key, err)
	}
	*out = n
	return nil
}
