// Package detectors holds the concrete detector registrations luca-api
// boots. InputLoader/Analyzer implementations are domain-specific and live
// outside the detector framework itself; this package is where that wiring
// actually lives for the one detector this tier ships out of the box.
package detectors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tagers/ops-platform/pkg/audit"
	"github.com/tagers/ops-platform/pkg/detector"
)

// WebhookVolumeSpec flags a drop in inbound webhook volume (a count below
// the minimum), read off the audit recorder's in-process counters. It is deliberately
// the simplest possible detector: a worked example of the full load →
// analyze → promote pipeline rather than a production heuristic.
var WebhookVolumeSpec = detector.DetectorSpec{
	DetectorID:        "webhook_volume_anomaly",
	Category:          "messaging",
	InputDataProducts: []string{"webhook_received_counter"},
	Schedule:          "*/15 * * * *",
	Thresholds: map[string]any{
		"min_count": float64(1),
	},
	OutputType:      detector.OutputAlert,
	CooldownHours:   6,
	MaxAlertsPerDay: 4,
	IsActive:        true,
}

// webhookCountLoader reads the current webhook_received counter out of the
// audit recorder. It satisfies detector.InputLoader.
type webhookCountLoader struct {
	audit *audit.Recorder
}

// NewWebhookCountLoader builds the InputLoader for WebhookVolumeSpec.
func NewWebhookCountLoader(a *audit.Recorder) detector.InputLoader {
	return webhookCountLoader{audit: a}
}

type webhookVolumeRow struct {
	Count int64 `json:"count"`
}

func (l webhookCountLoader) Load(ctx context.Context, products []string, scope detector.Scope) (detector.Inputs, error) {
	count := l.audit.Stats().Counters["webhook_received"]
	raw, err := json.Marshal(webhookVolumeRow{Count: count})
	if err != nil {
		return detector.Inputs{}, err
	}
	return detector.Inputs{Rows: raw}, nil
}

// WebhookVolumeAnalyzer flags a finding when the observed count falls
// below the configured minimum, treated as a silent-webhook-source signal
// (an upstream CRM or channel integration has stopped delivering events).
func WebhookVolumeAnalyzer() detector.Analyzer {
	return detector.AnalyzerFunc(func(ctx context.Context, inputs detector.Inputs, scope detector.Scope) ([]detector.Finding, error) {
		var row webhookVolumeRow
		if err := json.Unmarshal(inputs.Rows, &row); err != nil {
			return nil, fmt.Errorf("webhook_volume_anomaly: decode inputs: %w", err)
		}

		minCount := int64(1)
		if row.Count >= minCount {
			return nil, nil
		}

		return []detector.Finding{{
			FindingType: "webhook_volume_drop",
			Severity:    detector.SeverityHigh,
			Confidence:  0.6,
			Title:       "inbound webhook volume dropped to zero",
			Description: "no inbound messaging webhooks observed in the current detector window",
			Evidence:    map[string]any{"observed_count": row.Count},
			Scope:       scope,
			Metric:      &detector.MetricSnapshot{MetricID: "webhook_received", Value: float64(row.Count), Baseline: float64(minCount)},
		}}, nil
	})
}
