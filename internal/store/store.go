// Package store defines the durable record operations the control plane
// consumes, plus an in-memory implementation used by tests and by
// single-node deployments that do not need persistence.
//
// Every operation is atomic for a single record only. Callers that need a
// multi-record invariant (one active config version per key, one status per
// neuron) serialize through their own locks.
package store

import (
	"context"
	"errors"
	"time"

	"neuronctl/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrExists is returned when creating a record whose identity is taken.
var ErrExists = errors.New("record already exists")

// NeuronUpdate carries the fields UpdateNeuron may change. Nil means unchanged.
type NeuronUpdate struct {
	Status      *model.NeuronStatus
	HealthScore *int
	LastCheckIn *time.Time
	Metadata    map[string]any
	TokenHash   *string
}

// SyncJobUpdate carries the fields UpdateSyncJob may change.
type SyncJobUpdate struct {
	Status       *model.JobStatus
	SuccessCount *int
	FailureCount *int
	Results      []model.TargetResult
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// ConflictUpdate carries the fields UpdateConflict may change.
type ConflictUpdate struct {
	Status         *model.ConflictStatus
	Resolution     *model.Resolution
	ResolutionData []byte
	ResolvedBy     *string
	ResolvedAt     *time.Time
}

// EventFilter narrows ListFederationEvents. Zero values match everything.
type EventFilter struct {
	NeuronID  string
	EventType string
	Since     time.Time
	Limit     int
}

// JobFilter narrows ListSyncJobs.
type JobFilter struct {
	Status model.JobStatus
	Type   model.SyncType
	Limit  int
}

// Records is the record-level store consumed by the registry, health,
// config and sync components.
type Records interface {
	GetNeurons(ctx context.Context) ([]model.Neuron, error)
	GetNeuronByID(ctx context.Context, id string) (model.Neuron, error)
	RegisterNeuron(ctx context.Context, n model.Neuron) error
	UpdateNeuron(ctx context.Context, id string, u NeuronUpdate) (model.Neuron, error)

	CreateHealthCheck(ctx context.Context, r model.HealthCheckResult) error
	ListHealthChecks(ctx context.Context, neuronID string, since time.Time) ([]model.HealthCheckResult, error)

	CreateSyncJob(ctx context.Context, job model.SyncJob) error
	UpdateSyncJob(ctx context.Context, id string, u SyncJobUpdate) (model.SyncJob, error)
	ListSyncJobs(ctx context.Context, f JobFilter) ([]model.SyncJob, error)

	CreateConfigVersion(ctx context.Context, v model.ConfigVersion) error
	SetConfigVersionActive(ctx context.Context, key string, version int64, active bool) error
	ListConfigVersions(ctx context.Context, key string) ([]model.ConfigVersion, error)

	CreateConflict(ctx context.Context, c model.Conflict) error
	UpdateConflict(ctx context.Context, id string, u ConflictUpdate) (model.Conflict, error)
	GetConflict(ctx context.Context, id string) (model.Conflict, error)
	ListConflicts(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error)

	Close() error
}

// Events is the append-only federation event log.
type Events interface {
	CreateFederationEvent(ctx context.Context, ev model.FederationEvent) error
	ListFederationEvents(ctx context.Context, f EventFilter) ([]model.FederationEvent, error)
	LastSeq(ctx context.Context) (int64, error)
	Close() error
}

// Store is the full durable surface.
type Store interface {
	Records
	Events
}

type combined struct {
	Records
	events Events
}

// Combine joins a record store and an event log into one Store.
func Combine(r Records, e Events) Store {
	return &combined{Records: r, events: e}
}

func (c *combined) CreateFederationEvent(ctx context.Context, ev model.FederationEvent) error {
	return c.events.CreateFederationEvent(ctx, ev)
}

func (c *combined) ListFederationEvents(ctx context.Context, f EventFilter) ([]model.FederationEvent, error) {
	return c.events.ListFederationEvents(ctx, f)
}

func (c *combined) LastSeq(ctx context.Context) (int64, error) {
	return c.events.LastSeq(ctx)
}

func (c *combined) Close() error {
	return errors.Join(c.Records.Close(), c.events.Close())
}

// ApplyNeuronUpdate applies u to n in place and reports whether anything changed.
func ApplyNeuronUpdate(n *model.Neuron, u NeuronUpdate) bool {
	changed := false
	if u.Status != nil && *u.Status != n.Status {
		n.Status = *u.Status
		changed = true
	}
	if u.HealthScore != nil && *u.HealthScore != n.HealthScore {
		n.HealthScore = *u.HealthScore
		changed = true
	}
	if u.LastCheckIn != nil && !u.LastCheckIn.Equal(n.LastCheckIn) {
		n.LastCheckIn = *u.LastCheckIn
		changed = true
	}
	if u.TokenHash != nil && *u.TokenHash != n.TokenHash {
		n.TokenHash = *u.TokenHash
		changed = true
	}
	if len(u.Metadata) > 0 {
		if n.Metadata == nil {
			n.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			n.Metadata[k] = v
		}
		changed = true
	}
	return changed
}

// ApplySyncJobUpdate applies u to job in place.
func ApplySyncJobUpdate(job *model.SyncJob, u SyncJobUpdate) {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.SuccessCount != nil {
		job.SuccessCount = *u.SuccessCount
	}
	if u.FailureCount != nil {
		job.FailureCount = *u.FailureCount
	}
	if u.Results != nil {
		job.Results = append([]model.TargetResult(nil), u.Results...)
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		job.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		job.CompletedAt = &t
	}
}

// ApplyConflictUpdate applies u to c in place.
func ApplyConflictUpdate(c *model.Conflict, u ConflictUpdate) {
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.Resolution != nil {
		c.Resolution = *u.Resolution
	}
	if u.ResolutionData != nil {
		c.ResolutionData = append([]byte(nil), u.ResolutionData...)
	}
	if u.ResolvedBy != nil {
		c.ResolvedBy = *u.ResolvedBy
	}
	if u.ResolvedAt != nil {
		t := *u.ResolvedAt
		c.ResolvedAt = &t
	}
}

// MatchEvent reports whether ev passes f (ignoring Limit).
func MatchEvent(ev model.FederationEvent, f EventFilter) bool {
	if f.NeuronID != "" && ev.NeuronID != f.NeuronID {
		return false
	}
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// MatchJob reports whether job passes f (ignoring Limit).
func MatchJob(job model.SyncJob, f JobFilter) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.Type != "" && job.Type != f.Type {
		return false
	}
	return true
}
