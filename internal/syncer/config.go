package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"neuronctl/internal/configstore"
	"neuronctl/internal/eventlog"
	"neuronctl/internal/failures"
	"neuronctl/internal/model"
	"neuronctl/internal/transport"
)

// PushConfigRequest writes a new version of Key and distributes it.
// Targets defaults to every non-retired neuron. ExpectedVersion, when set,
// is the version the caller based the change on; otherwise the version
// active when the push starts is used.
type PushConfigRequest struct {
	Key             string          `json:"configKey"`
	Value           json.RawMessage `json:"value"`
	Targets         []string        `json:"targets,omitempty"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	RollbackData    json.RawMessage `json:"rollbackData,omitempty"`
	InitiatedBy     string          `json:"initiatedBy,omitempty"`
	BatchSize       int             `json:"batchSize,omitempty"`
	Timeout         time.Duration   `json:"-"`
}

// Summary is the outcome of a config distribution.
type Summary struct {
	JobID      string               `json:"jobId"`
	ConfigKey  string               `json:"configKey"`
	Version    int64                `json:"version"`
	Status     model.JobStatus      `json:"status"`
	Successful []string             `json:"successful"`
	Failed     []string             `json:"failed"`
	ConflictID string               `json:"conflictId,omitempty"`
	Results    []model.TargetResult `json:"results"`
}

func (r PushConfigRequest) validate() error {
	if r.Key == "" {
		return fmt.Errorf("%w: configKey is required", ErrInvalidRequest)
	}
	if len(r.Value) == 0 || !json.Valid(r.Value) {
		return fmt.Errorf("%w: value must be valid JSON", ErrInvalidRequest)
	}
	if len(r.RollbackData) > 0 && !json.Valid(r.RollbackData) {
		return fmt.Errorf("%w: rollbackData must be valid JSON", ErrInvalidRequest)
	}
	if r.BatchSize < 0 {
		return fmt.Errorf("%w: batchSize must not be negative", ErrInvalidRequest)
	}
	return nil
}

// PushConfig commits the version, then dispatches config_update to every
// target. Version and job write errors are returned; per-target failures
// are reported in the summary and raised as config_failure.
func (o *Orchestrator) PushConfig(ctx context.Context, req PushConfigRequest) (Summary, error) {
	if err := req.validate(); err != nil {
		return Summary{}, err
	}
	base := o.Configs.ActiveVersion(req.Key)
	if req.ExpectedVersion != nil {
		base = *req.ExpectedVersion
	}

	written, err := o.Configs.Write(ctx, configstore.WriteRequest{
		Key:          req.Key,
		Value:        req.Value,
		ChangeType:   model.ChangePush,
		Reason:       req.Reason,
		RollbackData: req.RollbackData,
		DeployedBy:   req.InitiatedBy,
	}, base)
	if err != nil {
		return Summary{}, err
	}

	sum, err := o.distribute(ctx, written.Version, req.Targets, req.InitiatedBy, req.BatchSize, req.Timeout)
	if written.Conflict != nil {
		sum.ConflictID = written.Conflict.ID
	}
	return sum, err
}

// DistributeVersion sends an already committed version to targets, or to
// every non-retired neuron when targets is empty.
func (o *Orchestrator) DistributeVersion(ctx context.Context, v model.ConfigVersion, targets []string, by string) (Summary, error) {
	return o.distribute(ctx, v, targets, by, 0, 0)
}

// RollbackConfig activates the value of toVersion as a new version and
// distributes it to every non-retired neuron.
func (o *Orchestrator) RollbackConfig(ctx context.Context, key string, toVersion int64, by, reason string) (Summary, error) {
	written, err := o.Configs.Rollback(ctx, key, toVersion, by, reason)
	if err != nil {
		return Summary{}, err
	}
	return o.distribute(ctx, written.Version, nil, by, 0, 0)
}

func (o *Orchestrator) distribute(ctx context.Context, v model.ConfigVersion, ids []string, by string, batchSize int, timeout time.Duration) (Summary, error) {
	targets, err := o.resolveTargets(ctx, ids)
	if err != nil {
		return Summary{}, err
	}
	job, err := o.createJob(ctx, model.SyncConfig, targetIDs(targets), v.Value, by)
	if err != nil {
		return Summary{}, err
	}
	job = o.startJob(ctx, job)

	results := o.dispatch(ctx, model.SyncConfig, targets, batchSize, timeout, func(string) transport.Message {
		return configMessage(v)
	})
	status := jobStatus(results)
	job = o.finishJob(ctx, job, status, results)
	ok, failed := split(results)

	for _, r := range results {
		if r.Success || r.Reason == ReasonRetired || r.Reason == ReasonUnknownNeuron {
			continue
		}
		o.Failures.Raise(ctx, failures.Spec{
			NeuronID:  r.NeuronID,
			Type:      model.FailureConfig,
			Severity:  model.SeverityHigh,
			Message:   fmt.Sprintf("config %s v%d not applied: %s", v.Key, v.Version, r.Reason),
			ConfigKey: v.Key,
		})
	}

	o.Events.Append(ctx, eventlog.Entry{
		EventType:   eventlog.ConfigPush,
		InitiatedBy: by,
		Success:     len(failed) == 0,
		Payload: map[string]any{
			"jobId":      job.ID,
			"configKey":  v.Key,
			"version":    v.Version,
			"changeType": string(v.ChangeType),
			"status":     string(status),
			"successful": len(ok),
			"failed":     len(failed),
			"results":    resultDetail(results),
		},
	})
	o.Logger.Info().
		Str("job_id", job.ID).
		Str("config_key", v.Key).
		Int64("version", v.Version).
		Int("successful", len(ok)).
		Int("failed", len(failed)).
		Msg("config distributed")

	return Summary{
		JobID:      job.ID,
		ConfigKey:  v.Key,
		Version:    v.Version,
		Status:     status,
		Successful: ok,
		Failed:     failed,
		Results:    results,
	}, nil
}

// Redeliver sends v to one neuron outside any job.
func (o *Orchestrator) Redeliver(ctx context.Context, neuronID string, v model.ConfigVersion) transport.Result {
	res := o.Transport.Send(ctx, neuronID, configMessage(v), o.opts.Timeout)
	o.Metrics.ObserveSyncTarget(model.SyncConfig, res.Success)
	o.Events.Append(ctx, eventlog.Entry{
		NeuronID:    neuronID,
		EventType:   eventlog.ConfigPush,
		InitiatedBy: "recovery",
		Success:     res.Success,
		Payload: map[string]any{
			"configKey":  v.Key,
			"version":    v.Version,
			"redelivery": true,
			"reason":     res.Reason,
		},
	})
	return res
}

func configMessage(v model.ConfigVersion) transport.Message {
	return transport.Message{
		Type:        transport.TypeConfigUpdate,
		ConfigKey:   v.Key,
		ConfigValue: v.Value,
		Version:     v.Version,
	}
}
