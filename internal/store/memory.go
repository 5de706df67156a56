package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"neuronctl/internal/model"
)

// Memory is an in-process Store. Records are deep-copied on the way in and
// out so callers never share state with the store.
type Memory struct {
	mu        sync.RWMutex
	neurons   map[string]model.Neuron
	checks    map[string][]model.HealthCheckResult
	jobs      map[string]model.SyncJob
	jobOrder  []string
	versions  map[string][]model.ConfigVersion
	conflicts map[string]model.Conflict
	confOrder []string
	events    []model.FederationEvent
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		neurons:   make(map[string]model.Neuron),
		checks:    make(map[string][]model.HealthCheckResult),
		jobs:      make(map[string]model.SyncJob),
		versions:  make(map[string][]model.ConfigVersion),
		conflicts: make(map[string]model.Conflict),
	}
}

func (m *Memory) GetNeurons(ctx context.Context) ([]model.Neuron, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Neuron, 0, len(m.neurons))
	for _, n := range m.neurons {
		out = append(out, cloneNeuron(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetNeuronByID(ctx context.Context, id string) (model.Neuron, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.neurons[id]
	if !ok {
		return model.Neuron{}, fmt.Errorf("neuron %s: %w", id, ErrNotFound)
	}
	return cloneNeuron(n), nil
}

func (m *Memory) RegisterNeuron(ctx context.Context, n model.Neuron) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.neurons[n.ID] = cloneNeuron(n)
	return nil
}

func (m *Memory) UpdateNeuron(ctx context.Context, id string, u NeuronUpdate) (model.Neuron, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.neurons[id]
	if !ok {
		return model.Neuron{}, fmt.Errorf("neuron %s: %w", id, ErrNotFound)
	}
	n = cloneNeuron(n)
	if ApplyNeuronUpdate(&n, u) {
		n.UpdatedAt = time.Now().UTC()
	}
	m.neurons[id] = n
	return cloneNeuron(n), nil
}

func (m *Memory) CreateHealthCheck(ctx context.Context, r model.HealthCheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checks[r.NeuronID] = append(m.checks[r.NeuronID], r)
	return nil
}

func (m *Memory) ListHealthChecks(ctx context.Context, neuronID string, since time.Time) ([]model.HealthCheckResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.HealthCheckResult
	for _, r := range m.checks[neuronID] {
		if !since.IsZero() && r.CheckedAt.Before(since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// PruneHealthChecks drops results older than cutoff.
func (m *Memory) PruneHealthChecks(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for id, rs := range m.checks {
		kept := rs[:0]
		for _, r := range rs {
			if r.CheckedAt.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, r)
		}
		m.checks[id] = kept
	}
	return dropped
}

func (m *Memory) CreateSyncJob(ctx context.Context, job model.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("sync job %s: %w", job.ID, ErrExists)
	}
	m.jobs[job.ID] = cloneJob(job)
	m.jobOrder = append(m.jobOrder, job.ID)
	return nil
}

func (m *Memory) UpdateSyncJob(ctx context.Context, id string, u SyncJobUpdate) (model.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return model.SyncJob{}, fmt.Errorf("sync job %s: %w", id, ErrNotFound)
	}
	job = cloneJob(job)
	ApplySyncJobUpdate(&job, u)
	m.jobs[id] = job
	return cloneJob(job), nil
}

func (m *Memory) ListSyncJobs(ctx context.Context, f JobFilter) ([]model.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.SyncJob
	// Newest first.
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		job := m.jobs[m.jobOrder[i]]
		if !MatchJob(job, f) {
			continue
		}
		out = append(out, cloneJob(job))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CreateConfigVersion(ctx context.Context, v model.ConfigVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.versions[v.Key] {
		if existing.Version == v.Version {
			return fmt.Errorf("config %s v%d: %w", v.Key, v.Version, ErrExists)
		}
	}
	m.versions[v.Key] = append(m.versions[v.Key], cloneVersion(v))
	return nil
}

func (m *Memory) SetConfigVersionActive(ctx context.Context, key string, version int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vs := m.versions[key]
	for i := range vs {
		if vs[i].Version == version {
			vs[i].IsActive = active
			return nil
		}
	}
	return fmt.Errorf("config %s v%d: %w", key, version, ErrNotFound)
}

func (m *Memory) ListConfigVersions(ctx context.Context, key string) ([]model.ConfigVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ConfigVersion
	if key != "" {
		for _, v := range m.versions[key] {
			out = append(out, cloneVersion(v))
		}
	} else {
		for _, vs := range m.versions {
			for _, v := range vs {
				out = append(out, cloneVersion(v))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *Memory) CreateConflict(ctx context.Context, c model.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conflicts[c.ID]; ok {
		return fmt.Errorf("conflict %s: %w", c.ID, ErrExists)
	}
	m.conflicts[c.ID] = cloneConflict(c)
	m.confOrder = append(m.confOrder, c.ID)
	return nil
}

func (m *Memory) UpdateConflict(ctx context.Context, id string, u ConflictUpdate) (model.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conflicts[id]
	if !ok {
		return model.Conflict{}, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	c = cloneConflict(c)
	ApplyConflictUpdate(&c, u)
	m.conflicts[id] = c
	return cloneConflict(c), nil
}

func (m *Memory) GetConflict(ctx context.Context, id string) (model.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conflicts[id]
	if !ok {
		return model.Conflict{}, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return cloneConflict(c), nil
}

func (m *Memory) ListConflicts(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Conflict
	for _, id := range m.confOrder {
		c := m.conflicts[id]
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, cloneConflict(c))
	}
	return out, nil
}

func (m *Memory) CreateFederationEvent(ctx context.Context, ev model.FederationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, cloneEvent(ev))
	return nil
}

func (m *Memory) ListFederationEvents(ctx context.Context, f EventFilter) ([]model.FederationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.FederationEvent
	for _, ev := range m.events {
		if !MatchEvent(ev, f) {
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (m *Memory) LastSeq(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last int64
	for _, ev := range m.events {
		if ev.Seq > last {
			last = ev.Seq
		}
	}
	return last, nil
}

func (m *Memory) Close() error {
	return nil
}

func cloneNeuron(n model.Neuron) model.Neuron {
	n.Capabilities = append([]string(nil), n.Capabilities...)
	n.Metadata = cloneMap(n.Metadata)
	return n
}

func cloneJob(j model.SyncJob) model.SyncJob {
	j.Targets = append([]string(nil), j.Targets...)
	j.Payload = append(json.RawMessage(nil), j.Payload...)
	j.Results = append([]model.TargetResult(nil), j.Results...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}

func cloneVersion(v model.ConfigVersion) model.ConfigVersion {
	v.Value = append(json.RawMessage(nil), v.Value...)
	v.RollbackData = append(json.RawMessage(nil), v.RollbackData...)
	return v
}

func cloneConflict(c model.Conflict) model.Conflict {
	c.Versions = append([]int64(nil), c.Versions...)
	c.ResolutionData = append(json.RawMessage(nil), c.ResolutionData...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

func cloneEvent(ev model.FederationEvent) model.FederationEvent {
	ev.Payload = cloneMap(ev.Payload)
	return ev
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
