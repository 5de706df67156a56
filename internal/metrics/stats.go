package metrics

import (
	"math"
	"sort"
	"time"

	"neuronctl/internal/model"
)

// Summary is a basic statistics snapshot over a neuron's health history.
type Summary struct {
	Count          int       `json:"count"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	AvgResponseMs  float64   `json:"avgResponseMs"`
	P95ResponseMs  float64   `json:"p95ResponseMs"`
	MinResponseMs  float64   `json:"minResponseMs"`
	MaxResponseMs  float64   `json:"maxResponseMs"`
	AvgHealthScore float64   `json:"avgHealthScore"`
	Availability   float64   `json:"availability"`
}

// Summarize computes summary metrics for results checked at or after since.
// Response-time figures only consider reachable checks.
func Summarize(items []model.HealthCheckResult, since time.Time) Summary {
	filtered := make([]model.HealthCheckResult, 0, len(items))
	for _, r := range items {
		if r.CheckedAt.After(since) || r.CheckedAt.Equal(since) {
			filtered = append(filtered, r)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	values := make([]float64, 0, len(filtered))
	var sumResp, sumScore float64
	reachable := 0
	minResp := math.MaxFloat64
	maxResp := 0.0
	from := filtered[0].CheckedAt
	to := filtered[0].CheckedAt

	for _, r := range filtered {
		sumScore += float64(r.HealthScore)
		if r.CheckedAt.Before(from) {
			from = r.CheckedAt
		}
		if r.CheckedAt.After(to) {
			to = r.CheckedAt
		}
		if !r.Reachable {
			continue
		}
		reachable++
		values = append(values, r.ResponseTimeMs)
		sumResp += r.ResponseTimeMs
		if r.ResponseTimeMs < minResp {
			minResp = r.ResponseTimeMs
		}
		if r.ResponseTimeMs > maxResp {
			maxResp = r.ResponseTimeMs
		}
	}

	count := float64(len(filtered))
	s := Summary{
		Count:          len(filtered),
		From:           from,
		To:             to,
		AvgHealthScore: sumScore / count,
		Availability:   float64(reachable) / count,
	}
	if reachable > 0 {
		sort.Float64s(values)
		s.AvgResponseMs = sumResp / float64(reachable)
		s.P95ResponseMs = percentile(values, 0.95)
		s.MinResponseMs = minResp
		s.MaxResponseMs = maxResp
	}
	return s
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
