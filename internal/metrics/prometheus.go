// Package metrics exposes control-plane counters to Prometheus and
// summarizes health-check history.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"neuronctl/internal/model"
)

const namespace = "neuronctl"

// Metrics holds every collector on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	registrations    *prometheus.CounterVec
	neurons          *prometheus.GaugeVec
	healthChecks     *prometheus.CounterVec
	responseTime     *prometheus.HistogramVec
	failures         *prometheus.CounterVec
	recoveryAttempts *prometheus.CounterVec
	syncTargets      *prometheus.CounterVec
	configVersions   *prometheus.CounterVec
	conflicts        *prometheus.CounterVec
}

// New registers the collectors on a fresh registry. sessions, when non-nil,
// is sampled for the live session gauge.
func New(sessions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Neuron registrations by outcome",
		}, []string{"outcome"}),
		neurons: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "neurons",
			Help:      "Registered neurons by status",
		}, []string{"status"}),
		healthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health checks by type and computed status",
		}, []string{"check_type", "status"}),
		responseTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "response_seconds",
			Help:      "Neuron response time for reachable checks",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"check_type"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "failures_total",
			Help:      "Detected failures by type and severity",
		}, []string{"type", "severity"}),
		recoveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Recovery attempts by failure type and outcome",
		}, []string{"type", "outcome"}),
		syncTargets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "targets_total",
			Help:      "Per-target dispatch outcomes by sync type",
		}, []string{"sync_type", "outcome"}),
		configVersions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "versions_total",
			Help:      "Config versions written by change type",
		}, []string{"change_type"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "conflicts_total",
			Help:      "Config conflicts by event (detected, resolved)",
		}, []string{"event"}),
	}
	if sessions != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "sessions",
			Help:      "Live neuron sessions",
		}, func() float64 { return float64(sessions()) })
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRegistration(outcome string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

// SetNeurons replaces the per-status neuron gauge.
func (m *Metrics) SetNeurons(counts map[model.NeuronStatus]int) {
	if m == nil {
		return
	}
	for _, s := range []model.NeuronStatus{model.NeuronPending, model.NeuronActive, model.NeuronInactive, model.NeuronRetired} {
		m.neurons.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (m *Metrics) ObserveHealthCheck(r model.HealthCheckResult) {
	if m == nil {
		return
	}
	m.healthChecks.WithLabelValues(string(r.CheckType), string(r.Status)).Inc()
	if r.Reachable {
		m.responseTime.WithLabelValues(string(r.CheckType)).Observe(r.ResponseTimeMs / 1000)
	}
}

func (m *Metrics) ObserveFailure(f model.FailureEvent) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(f.Type), string(f.Severity)).Inc()
}

func (m *Metrics) ObserveRecovery(t model.FailureType, outcome string) {
	if m == nil {
		return
	}
	m.recoveryAttempts.WithLabelValues(string(t), outcome).Inc()
}

func (m *Metrics) ObserveSyncTarget(t model.SyncType, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.syncTargets.WithLabelValues(string(t), outcome).Inc()
}

func (m *Metrics) ObserveConfigVersion(t model.ChangeType) {
	if m == nil {
		return
	}
	m.configVersions.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) ObserveConflict(event string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(event).Inc()
}
