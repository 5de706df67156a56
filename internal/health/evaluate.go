package health

import (
	"time"

	"neuronctl/internal/model"
)

// Score thresholds.
const (
	HealthyScore = 80
	WarningScore = 60

	// DegradedDrop is the score drop between consecutive checks that raises
	// a health_degraded failure.
	DegradedDrop = 20

	slowPenalty    = 20
	timeoutPenalty = 40
)

// Evaluate derives the status of a single check. It depends only on r and
// offlineAfter.
func Evaluate(r model.HealthCheckResult, offlineAfter time.Duration) model.HealthStatus {
	if !r.Reachable {
		if r.CheckedAt.Sub(r.LastSeenAt) > offlineAfter {
			return model.HealthOffline
		}
		return model.HealthCritical
	}
	switch {
	case r.HealthScore >= HealthyScore:
		return model.HealthHealthy
	case r.HealthScore >= WarningScore:
		return model.HealthWarning
	default:
		return model.HealthCritical
	}
}

// Score applies the latency penalty to base. Responses slower than half of
// timeout lose 20 points, slower than timeout lose 40.
func Score(base int, responseMs float64, timeout time.Duration) int {
	limit := float64(timeout.Milliseconds())
	s := base
	switch {
	case limit > 0 && responseMs > limit:
		s -= timeoutPenalty
	case limit > 0 && responseMs > limit/2:
		s -= slowPenalty
	}
	return clamp(s)
}

// DegradedSeverity ranks a health_degraded failure by the score it left.
func DegradedSeverity(score int) model.Severity {
	switch {
	case score < 40:
		return model.SeverityCritical
	case score < WarningScore:
		return model.SeverityHigh
	case score < HealthyScore:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func clamp(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
