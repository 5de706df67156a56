package metrics

import (
	"testing"
	"time"

	"neuronctl/internal/model"
)

func TestSummarize_Basic(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	items := []model.HealthCheckResult{
		{CheckedAt: now.Add(-2 * time.Hour), Reachable: true, ResponseTimeMs: 900, HealthScore: 10},
		{CheckedAt: now.Add(-10 * time.Second), Reachable: true, ResponseTimeMs: 10, HealthScore: 100},
		{CheckedAt: now.Add(-5 * time.Second), Reachable: true, ResponseTimeMs: 20, HealthScore: 80},
		{CheckedAt: now.Add(-1 * time.Second), Reachable: false, HealthScore: 60},
	}
	s := Summarize(items, now.Add(-1*time.Minute))
	if s.Count != 3 {
		t.Fatalf("count=%d", s.Count)
	}
	if s.AvgResponseMs != 15 {
		t.Fatalf("avg_response=%.2f", s.AvgResponseMs)
	}
	if s.MinResponseMs != 10 || s.MaxResponseMs != 20 {
		t.Fatalf("min/max=%.2f/%.2f", s.MinResponseMs, s.MaxResponseMs)
	}
	if s.P95ResponseMs != 20 {
		t.Fatalf("p95=%.2f", s.P95ResponseMs)
	}
	if s.AvgHealthScore != 80 {
		t.Fatalf("avg_score=%.2f", s.AvgHealthScore)
	}
	if s.Availability < 0.66 || s.Availability > 0.67 {
		t.Fatalf("availability=%.3f", s.Availability)
	}
}

func TestSummarize_AllUnreachable(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	s := Summarize([]model.HealthCheckResult{{CheckedAt: now}}, now.Add(-time.Minute))
	if s.Count != 1 || s.Availability != 0 || s.MinResponseMs != 0 {
		t.Fatalf("summary=%+v", s)
	}
}

func TestPercentile_Edges(t *testing.T) {
	t.Parallel()

	values := []float64{1, 2, 3, 4}
	if got := percentile(values, 0); got != 1 {
		t.Fatalf("p0=%v", got)
	}
	if got := percentile(values, 1); got != 4 {
		t.Fatalf("p100=%v", got)
	}
}
