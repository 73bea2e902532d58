package detector

import (
	"context"
	"testing"
)

func TestScope_Fingerprint(t *testing.T) {
	s := Scope{"fingerprint": "branch:9"}
	if s.Fingerprint() != "branch:9" {
		t.Fatalf("expected branch:9, got %q", s.Fingerprint())
	}
	if (Scope(nil)).Fingerprint() != "" {
		t.Fatal("nil scope should have empty fingerprint")
	}
	if (Scope{}).Fingerprint() != "" {
		t.Fatal("scope with no fingerprint field should be empty")
	}
}

func TestMetricSnapshot_DeviationPct(t *testing.T) {
	m := MetricSnapshot{Value: 120, Baseline: 100}
	if got := m.DeviationPct(); got != 20 {
		t.Fatalf("expected 20%%, got %v", got)
	}
	zero := MetricSnapshot{Value: 50, Baseline: 0}
	if got := zero.DeviationPct(); got != 0 {
		t.Fatalf("expected 0 for zero baseline, got %v", got)
	}
}

func TestAnalyzerFunc_AdaptsPlainFunction(t *testing.T) {
	calls := 0
	var a Analyzer = AnalyzerFunc(func(ctx context.Context, inputs Inputs, scope Scope) ([]Finding, error) {
		calls++
		return []Finding{{Title: "t"}}, nil
	})
	findings, err := a.Analyze(context.Background(), Inputs{}, Scope{})
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 || calls != 1 {
		t.Fatalf("expected 1 finding and 1 call, got %d findings, %d calls", len(findings), calls)
	}
}
