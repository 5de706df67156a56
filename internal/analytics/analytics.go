// Package analytics aggregates registry, health and failure state into fleet
// and per-neuron reports.
package analytics

import (
	"context"
	"time"

	"neuronctl/internal/failures"
	"neuronctl/internal/metrics"
	"neuronctl/internal/model"
	"neuronctl/internal/registry"
	"neuronctl/internal/store"
)

// Neurons lists and loads neurons.
type Neurons interface {
	Get(ctx context.Context, id string) (model.Neuron, error)
	List(ctx context.Context, f registry.Filter) ([]model.Neuron, error)
}

// Health exposes each neuron's most recent check.
type Health interface {
	Latest(id string) (model.HealthCheckResult, bool)
}

// Queue reports neurons awaiting recovery.
type Queue interface {
	Queued() []string
}

// Sessions reports whether a neuron has a live transport session.
type Sessions interface {
	IsConnected(neuronID string) bool
}

// FleetStatus is the fleet-wide report.
type FleetStatus struct {
	GeneratedAt       time.Time                  `json:"generatedAt"`
	Total             int                        `json:"total"`
	ByStatus          map[model.NeuronStatus]int `json:"byStatus"`
	ByHealth          map[model.HealthStatus]int `json:"byHealth"`
	Connected         int                        `json:"connected"`
	AvgHealthScore    float64                    `json:"avgHealthScore"`
	Failures          failures.Summary           `json:"failures"`
	ExhaustedFailures []model.FailureEvent       `json:"exhaustedFailures"`
	RecoveryQueue     []string                   `json:"recoveryQueue"`
	Jobs              map[model.JobStatus]int    `json:"jobs"`
	Neurons           []NeuronStatus             `json:"neurons"`
	Endpoint          string                     `json:"endpoint,omitempty"`
	NATType           string                     `json:"natType,omitempty"`
}

// NeuronStatus is one row of the fleet report.
type NeuronStatus struct {
	ID          string             `json:"neuronId"`
	Name        string             `json:"name"`
	Type        string             `json:"type"`
	Status      model.NeuronStatus `json:"status"`
	Health      model.HealthStatus `json:"health,omitempty"`
	HealthScore int                `json:"healthScore"`
	Connected   bool               `json:"connected"`
	LastCheckIn time.Time          `json:"lastCheckIn"`
}

// NeuronHealth is the per-neuron report.
type NeuronHealth struct {
	Neuron       model.Neuron             `json:"neuron"`
	Latest       *model.HealthCheckResult `json:"latest,omitempty"`
	Stats        metrics.Summary          `json:"stats"`
	OpenFailures []model.FailureEvent     `json:"openFailures"`
	Failures     []model.FailureEvent     `json:"failures"`
	Queued       bool                     `json:"queued"`
}

// Aggregator reads every input on demand and holds no state.
type Aggregator struct {
	neurons  Neurons
	health   Health
	ledger   *failures.Ledger
	records  store.Records
	queue    Queue
	sessions Sessions
	now      func() time.Time
}

// New returns an Aggregator. queue and sessions may be nil.
func New(neurons Neurons, health Health, ledger *failures.Ledger, records store.Records, queue Queue, sessions Sessions) *Aggregator {
	return &Aggregator{
		neurons:  neurons,
		health:   health,
		ledger:   ledger,
		records:  records,
		queue:    queue,
		sessions: sessions,
		now:      time.Now,
	}
}

// FleetStatus reports every neuron, retired ones included.
func (a *Aggregator) FleetStatus(ctx context.Context) (FleetStatus, error) {
	all, err := a.neurons.List(ctx, registry.Filter{IncludeRetired: true})
	if err != nil {
		return FleetStatus{}, err
	}

	fs := FleetStatus{
		GeneratedAt:       a.now().UTC(),
		Total:             len(all),
		ByStatus:          make(map[model.NeuronStatus]int),
		ByHealth:          make(map[model.HealthStatus]int),
		Failures:          a.ledger.Summarize(),
		ExhaustedFailures: a.ledger.Exhausted(),
		RecoveryQueue:     []string{},
		Jobs:              make(map[model.JobStatus]int),
		Neurons:           make([]NeuronStatus, 0, len(all)),
	}
	if a.queue != nil {
		fs.RecoveryQueue = a.queue.Queued()
	}

	var scoreSum, scored int
	for _, n := range all {
		fs.ByStatus[n.Status]++
		row := NeuronStatus{
			ID:          n.ID,
			Name:        n.Name,
			Type:        n.Type,
			Status:      n.Status,
			HealthScore: n.HealthScore,
			LastCheckIn: n.LastCheckIn,
		}
		if a.sessions != nil && a.sessions.IsConnected(n.ID) {
			row.Connected = true
			fs.Connected++
		}
		if n.Status != model.NeuronRetired {
			if r, ok := a.health.Latest(n.ID); ok {
				row.Health = r.Status
				fs.ByHealth[r.Status]++
			}
			scoreSum += n.HealthScore
			scored++
		}
		fs.Neurons = append(fs.Neurons, row)
	}
	if scored > 0 {
		fs.AvgHealthScore = float64(scoreSum) / float64(scored)
	}

	jobs, err := a.records.ListSyncJobs(ctx, store.JobFilter{})
	if err != nil {
		return FleetStatus{}, err
	}
	for _, j := range jobs {
		fs.Jobs[j.Status]++
	}
	return fs, nil
}

// NeuronHealth reports one neuron with statistics over checks since since.
func (a *Aggregator) NeuronHealth(ctx context.Context, id string, since time.Time) (NeuronHealth, error) {
	n, err := a.neurons.Get(ctx, id)
	if err != nil {
		return NeuronHealth{}, err
	}
	checks, err := a.records.ListHealthChecks(ctx, id, since)
	if err != nil {
		return NeuronHealth{}, err
	}

	nh := NeuronHealth{
		Neuron:       n,
		Stats:        metrics.Summarize(checks, since),
		OpenFailures: a.ledger.Unrecovered(id),
		Failures:     a.ledger.List(id),
	}
	if r, ok := a.health.Latest(id); ok {
		nh.Latest = &r
	}
	if a.queue != nil {
		for _, q := range a.queue.Queued() {
			if q == id {
				nh.Queued = true
				break
			}
		}
	}
	return nh, nil
}
