package config

import "time"

// defaults holds the conservative built-in knobs: 45s job deadline, 30s
// lock TTL with 2/3-TTL renewal, 15s lock-wait, 90s stalled-job lease,
// America/Mexico_City timezone.
func defaults() *Config {
	loc, err := time.LoadLocation("America/Mexico_City")
	if err != nil {
		loc = time.UTC
	}
	return &Config{
		HTTPPort:     "8080",
		DrainTimeout: 30 * time.Second,

		KVURL:           "redis://localhost:6379/0",
		LockTTL:         30 * time.Second,
		LockWaitTimeout: 15 * time.Second,

		QueueName:          "messaging",
		WorkerConcurrency:  10,
		JobMaxAttempts:     5,
		JobBackoffBase:     1 * time.Second,
		JobLeaseWindow:        90 * time.Second,
		JobProcessDeadline:    45 * time.Second,
		JobCompletedRetention: time.Hour,

		DedupeTTL: 24 * time.Hour,

		DetectorsQueueName:         "detectors",
		DetectorConcurrencyCap:     3,
		DetectorRateLimitPerMinute: 10,

		CaseLockTTL: 5 * time.Second,

		OutboundQuietHoursStart: 21,
		OutboundQuietHoursEnd:   8,
		OutboundMaxPerDay:       5,

		Timezone: loc,

		ConfigDir:       "./deploy/config",
		RegistryRefresh: 1 * time.Minute,

		DatabaseHost:    "localhost",
		DatabasePort:    5432,
		DatabaseUser:    "ops_platform",
		DatabaseName:    "ops_platform",
		DatabaseSSLMode: "disable",

		PaymentsProviderAName: "providerA",
		PaymentsProviderBName: "providerB",
	}
}
