package detector_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagers/ops-platform/pkg/casefsm"
	"github.com/tagers/ops-platform/pkg/detector"
	"github.com/tagers/ops-platform/pkg/kv"
	"github.com/tagers/ops-platform/pkg/ratelimit"
	testdb "github.com/tagers/ops-platform/test/database"
)

type staticLoader struct{}

func (staticLoader) Load(ctx context.Context, products []string, scope detector.Scope) (detector.Inputs, error) {
	return detector.Inputs{}, nil
}

func TestRunner_Execute_PromotesHighSeverityToAlertAndCase(t *testing.T) {
	client := testdb.NewTestClient(t)
	limits := ratelimit.New(kv.NewMemoryStore())
	cases := casefsm.New(client.Pool)

	analyzer := detector.AnalyzerFunc(func(ctx context.Context, inputs detector.Inputs, scope detector.Scope) ([]detector.Finding, error) {
		return []detector.Finding{{
			FindingType: "refund_spike",
			Severity:    detector.SeverityHigh,
			Confidence:  0.9,
			Title:       "Refund rate spike",
			Description: "refunds 3x baseline",
			Scope:       scope,
		}}, nil
	})

	spec := detector.DetectorSpec{
		DetectorID:    "refund-spike-detector",
		OutputType:    detector.OutputCase,
		CooldownHours: 6,
	}
	r := detector.New(client.Pool, limits, cases, spec, staticLoader{}, analyzer)

	scope := detector.Scope{"fingerprint": "branch:1"}
	run, err := r.Execute(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, detector.RunCompleted, run.Status)
	assert.Equal(t, 1, run.FindingsCount)
	assert.Equal(t, 1, run.AlertsCreated)
	assert.Equal(t, 1, run.CasesCreated)

	// A second run against the same scope within the cooldown window must
	// not create a duplicate alert, and must not open a second case while
	// the first remains non-closed.
	run2, err := r.Execute(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 0, run2.AlertsCreated)
	assert.Equal(t, 0, run2.CasesCreated)
}

func TestRunner_Execute_RunFailsWhenAnalyzeErrors(t *testing.T) {
	client := testdb.NewTestClient(t)
	limits := ratelimit.New(kv.NewMemoryStore())
	cases := casefsm.New(client.Pool)

	boom := assert.AnError
	analyzer := detector.AnalyzerFunc(func(ctx context.Context, inputs detector.Inputs, scope detector.Scope) ([]detector.Finding, error) {
		return nil, boom
	})
	spec := detector.DetectorSpec{DetectorID: "broken-detector", OutputType: detector.OutputAlert}
	r := detector.New(client.Pool, limits, cases, spec, staticLoader{}, analyzer)

	run, err := r.Execute(context.Background(), detector.Scope{})
	require.Error(t, err)
	assert.Equal(t, detector.RunFailed, run.Status)
	require.NotNil(t, run.Error)
}
