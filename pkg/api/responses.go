package api

import (
	"github.com/tagers/ops-platform/pkg/config"
	"github.com/tagers/ops-platform/pkg/database"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                  `json:"status"`
	Version  string                  `json:"version"`
	Database *database.HealthStatus  `json:"database"`
}

// StatsResponse is the body of GET /admin/stats. Mode and KVAvailable
// announce which runtime mode is active.
type StatsResponse struct {
	Mode             string       `json:"mode"`
	Config           config.Stats `json:"config"`
	QueueStats       interface{}  `json:"queue_stats,omitempty"`
	KVAvailable      bool         `json:"kv_available"`
	BlocklistSize    int          `json:"blocklist_size"`
	HistoryCacheSize int          `json:"history_cache_size"`
	Telemetry        interface{}  `json:"telemetry,omitempty"`
}

// BlocklistCheckResponse is the body of POST /admin/blocklist/check.
type BlocklistCheckResponse struct {
	Contact string `json:"contact"`
	Blocked bool   `json:"blocked"`
	Source  string `json:"source,omitempty"`
}
