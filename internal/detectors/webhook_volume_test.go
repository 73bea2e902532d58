package detectors

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagers/ops-platform/pkg/audit"
	"github.com/tagers/ops-platform/pkg/detector"
)

func TestWebhookCountLoader_ReadsCounterFromAudit(t *testing.T) {
	rec := audit.New(nil)
	rec.IncrCounter("webhook_received", 5)

	loader := NewWebhookCountLoader(rec)
	inputs, err := loader.Load(context.Background(), WebhookVolumeSpec.InputDataProducts, detector.Scope{})
	require.NoError(t, err)

	var row webhookVolumeRow
	require.NoError(t, json.Unmarshal(inputs.Rows, &row))
	assert.Equal(t, int64(5), row.Count)
}

func TestWebhookVolumeAnalyzer_FlagsZeroVolume(t *testing.T) {
	rec := audit.New(nil)
	loader := NewWebhookCountLoader(rec)
	inputs, err := loader.Load(context.Background(), nil, detector.Scope{})
	require.NoError(t, err)

	findings, err := WebhookVolumeAnalyzer().Analyze(context.Background(), inputs, detector.Scope{"fingerprint": "global"})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, detector.SeverityHigh, findings[0].Severity)
}

func TestWebhookVolumeAnalyzer_SilentWhenVolumeObserved(t *testing.T) {
	rec := audit.New(nil)
	rec.IncrCounter("webhook_received", 3)
	loader := NewWebhookCountLoader(rec)
	inputs, err := loader.Load(context.Background(), nil, detector.Scope{})
	require.NoError(t, err)

	findings, err := WebhookVolumeAnalyzer().Analyze(context.Background(), inputs, detector.Scope{})
	require.NoError(t, err)
	assert.Empty(t, findings)
}
