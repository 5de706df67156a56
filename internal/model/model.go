package model

import (
	"encoding/json"
	"time"
)

// NeuronStatus is the lifecycle state of a registered neuron.
type NeuronStatus string

const (
	NeuronPending  NeuronStatus = "pending"
	NeuronActive   NeuronStatus = "active"
	NeuronInactive NeuronStatus = "inactive"
	NeuronRetired  NeuronStatus = "retired"
)

// Valid reports whether s is a known neuron status.
func (s NeuronStatus) Valid() bool {
	switch s {
	case NeuronPending, NeuronActive, NeuronInactive, NeuronRetired:
		return true
	}
	return false
}

// Neuron represents a registered worker process in the federation.
type Neuron struct {
	ID           string         `json:"neuronId" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Type         string         `json:"type" yaml:"type"`
	Address      string         `json:"address,omitempty" yaml:"address,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Version      string         `json:"version,omitempty" yaml:"version,omitempty"`
	Environment  string         `json:"environment,omitempty" yaml:"environment,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Status       NeuronStatus   `json:"status" yaml:"status"`
	HealthScore  int            `json:"healthScore" yaml:"health_score"`
	LastCheckIn  time.Time      `json:"lastCheckIn" yaml:"last_check_in"`
	RegisteredAt time.Time      `json:"registeredAt" yaml:"registered_at"`
	UpdatedAt    time.Time      `json:"updatedAt" yaml:"updated_at"`
	TokenHash    string         `json:"-" yaml:"-"`
}

// HasCapability reports whether the neuron declared capability c.
func (n Neuron) HasCapability(c string) bool {
	for _, have := range n.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CheckType identifies the kind of health probe.
type CheckType string

const (
	CheckHeartbeat   CheckType = "heartbeat"
	CheckDeep        CheckType = "deep"
	CheckPerformance CheckType = "performance"
	CheckSecurity    CheckType = "security"
)

// Valid reports whether t is a known check type.
func (t CheckType) Valid() bool {
	switch t {
	case CheckHeartbeat, CheckDeep, CheckPerformance, CheckSecurity:
		return true
	}
	return false
}

// HealthStatus is the computed outcome of a health check.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthOffline  HealthStatus = "offline"
)

// HealthCheckResult is one sample in a neuron's health time series.
type HealthCheckResult struct {
	ID              string             `json:"id"`
	NeuronID        string             `json:"neuronId"`
	CheckType       CheckType          `json:"checkType"`
	Status          HealthStatus       `json:"status"`
	Reachable       bool               `json:"reachable"`
	HealthScore     int                `json:"healthScore"`
	ResponseTimeMs  float64            `json:"responseTimeMs"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	Issues          []string           `json:"issues,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	LastSeenAt      time.Time          `json:"lastSeenAt"`
	CheckedAt       time.Time          `json:"checkedAt"`
}

// FailureType classifies a detected failure.
type FailureType string

const (
	FailureOffline        FailureType = "offline"
	FailureConfig         FailureType = "config_failure"
	FailureAnalytics      FailureType = "analytics_failure"
	FailureHealthDegraded FailureType = "health_degraded"
	FailureTimeout        FailureType = "timeout"
)

// Severity ranks a failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Escalates reports whether failures of this severity are handed to recovery.
func (s Severity) Escalates() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// FailureEvent records a detected failure and its recovery progress.
type FailureEvent struct {
	ID               string      `json:"id"`
	NeuronID         string      `json:"neuronId"`
	Type             FailureType `json:"type"`
	Severity         Severity    `json:"severity"`
	Message          string      `json:"message"`
	ConfigKey        string      `json:"configKey,omitempty"`
	Timestamp        time.Time   `json:"timestamp"`
	Recovered        bool        `json:"recovered"`
	RecoveredAt      *time.Time  `json:"recoveredAt,omitempty"`
	RecoveryAttempts int         `json:"recoveryAttempts"`
}

// ChangeType records why a config version was written.
type ChangeType string

const (
	ChangePush     ChangeType = "push"
	ChangeRollback ChangeType = "rollback"
)

// ConfigVersion is one entry in the append-only config log.
type ConfigVersion struct {
	Key          string          `json:"configKey"`
	Version      int64           `json:"version"`
	Value        json.RawMessage `json:"value"`
	ChangeType   ChangeType      `json:"changeType"`
	Reason       string          `json:"reason,omitempty"`
	RollbackData json.RawMessage `json:"rollbackData,omitempty"`
	IsActive     bool            `json:"isActive"`
	DeployedAt   time.Time       `json:"deployedAt"`
	DeployedBy   string          `json:"deployedBy,omitempty"`
}

// SyncType is the kind of payload a sync job distributes.
type SyncType string

const (
	SyncConfig    SyncType = "config"
	SyncCode      SyncType = "code"
	SyncAssets    SyncType = "assets"
	SyncFull      SyncType = "full"
	SyncAnalytics SyncType = "analytics"
)

// Valid reports whether t is a known sync type.
func (t SyncType) Valid() bool {
	switch t {
	case SyncConfig, SyncCode, SyncAssets, SyncFull, SyncAnalytics:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// TargetResult is the dispatch outcome for one neuron.
type TargetResult struct {
	NeuronID       string  `json:"neuronId"`
	Success        bool    `json:"success"`
	Reason         string  `json:"reason,omitempty"`
	ResponseTimeMs float64 `json:"responseTimeMs,omitempty"`
}

// SyncJob is a unit of distribution work.
type SyncJob struct {
	ID           string          `json:"jobId"`
	Type         SyncType        `json:"syncType"`
	Targets      []string        `json:"targets,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       JobStatus       `json:"status"`
	SuccessCount int             `json:"successCount"`
	FailureCount int             `json:"failureCount"`
	Results      []TargetResult  `json:"results,omitempty"`
	InitiatedBy  string          `json:"initiatedBy,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

// FederationEvent is an append-only audit record.
type FederationEvent struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"seq"`
	NeuronID    string         `json:"neuronId,omitempty"`
	EventType   string         `json:"eventType"`
	Payload     map[string]any `json:"payload,omitempty"`
	InitiatedBy string         `json:"initiatedBy,omitempty"`
	Success     bool           `json:"success"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Resolution is the operator decision applied to a conflict.
type Resolution string

const (
	ResolveSource Resolution = "source"
	ResolveTarget Resolution = "target"
	ResolveMerge  Resolution = "merge"
	ResolveManual Resolution = "manual"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolveSource, ResolveTarget, ResolveMerge, ResolveManual:
		return true
	}
	return false
}

// ConflictStatus is open until an explicit resolution is recorded.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// Conflict records a concurrent-write race on one config key.
// Versions lists the racing versions; the last entry is the later writer.
type Conflict struct {
	ID             string          `json:"id"`
	ConfigKey      string          `json:"configKey"`
	BaseVersion    int64           `json:"baseVersion"`
	Versions       []int64         `json:"versions"`
	Status         ConflictStatus  `json:"status"`
	Resolution     Resolution      `json:"resolution,omitempty"`
	ResolutionData json.RawMessage `json:"resolutionData,omitempty"`
	ResolvedBy     string          `json:"resolvedBy,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
}
