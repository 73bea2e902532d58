package config

import "fmt"

// validate runs every check in a fixed order so the first error reported
// is always the same for a given bad config. The sequence is field-group
// order: HTTP, database, KV/locks, queue, detectors, outbound, timezone.
func validate(cfg *Config) error {
	if cfg.AdminToken == "" {
		return newValidationError("ADMIN_TOKEN", ErrMissingRequiredField)
	}
	if cfg.DatabasePassword == "" {
		return newValidationError("DB_PASSWORD", ErrMissingRequiredField)
	}
	if cfg.KVURL == "" {
		return newValidationError("KV_URL", ErrMissingRequiredField)
	}
	if cfg.LockTTL <= 0 {
		return newValidationError("LOCK_TTL", ErrInvalidValue)
	}
	if cfg.LockWaitTimeout < 0 {
		return newValidationError("LOCK_WAIT_TIMEOUT", ErrInvalidValue)
	}
	if cfg.QueueName == "" {
		return newValidationError("QUEUE_NAME", ErrMissingRequiredField)
	}
	if cfg.WorkerConcurrency < 1 {
		return newValidationError("WORKER_CONCURRENCY", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.JobMaxAttempts < 1 {
		return newValidationError("JOB_MAX_ATTEMPTS", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.JobBackoffBase <= 0 {
		return newValidationError("JOB_BACKOFF_BASE", ErrInvalidValue)
	}
	if cfg.DetectorConcurrencyCap < 1 {
		return newValidationError("DETECTOR_CONCURRENCY_CAP", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.DetectorRateLimitPerMinute < 1 {
		return newValidationError("DETECTOR_RATE_LIMIT_PER_MINUTE", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.OutboundQuietHoursStart < 0 || cfg.OutboundQuietHoursStart > 23 {
		return newValidationError("OUTBOUND_QUIET_HOURS_START", ErrInvalidValue)
	}
	if cfg.OutboundQuietHoursEnd < 0 || cfg.OutboundQuietHoursEnd > 23 {
		return newValidationError("OUTBOUND_QUIET_HOURS_END", ErrInvalidValue)
	}
	if cfg.Timezone == nil {
		return newValidationError("TIMEZONE", ErrMissingRequiredField)
	}
	return nil
}
