package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"neuronctl/internal/eventlog"
	"neuronctl/internal/model"
	"neuronctl/internal/transport"
)

// ErrAborted is returned when a pre-hook stops a hot reload.
var ErrAborted = errors.New("hot reload aborted")

// Hook runs around a hot reload. Pre-hooks see every target; post-hooks
// see only the targets that applied the payload.
type Hook func(ctx context.Context, job model.SyncJob, targets []string) error

// HotReloadRequest distributes a code, asset or full payload.
type HotReloadRequest struct {
	Type              model.SyncType  `json:"syncType"`
	Targets           []string        `json:"targets,omitempty"`
	Payload           json.RawMessage `json:"payload"`
	RollbackData      json.RawMessage `json:"rollbackData,omitempty"`
	RollbackOnFailure bool            `json:"rollbackOnFailure,omitempty"`
	InitiatedBy       string          `json:"initiatedBy,omitempty"`
	BatchSize         int             `json:"batchSize,omitempty"`
	Timeout           time.Duration   `json:"-"`
	PreHooks          []Hook          `json:"-"`
	PostHooks         []Hook          `json:"-"`
}

// ReloadSummary is the outcome of a hot reload.
type ReloadSummary struct {
	JobID          string               `json:"jobId"`
	Status         model.JobStatus      `json:"status"`
	Successful     []string             `json:"successful"`
	Failed         []string             `json:"failed"`
	RolledBack     []string             `json:"rolledBack,omitempty"`
	RollbackFailed []string             `json:"rollbackFailed,omitempty"`
	HookErrors     []string             `json:"hookErrors,omitempty"`
	Results        []model.TargetResult `json:"results"`
}

func (r HotReloadRequest) syncType() model.SyncType {
	if r.Type == "" {
		return model.SyncCode
	}
	return r.Type
}

func (r HotReloadRequest) validate() error {
	if !r.syncType().Valid() {
		return fmt.Errorf("%w: unknown sync type %q", ErrInvalidRequest, r.Type)
	}
	if len(r.Payload) == 0 || !json.Valid(r.Payload) {
		return fmt.Errorf("%w: payload must be valid JSON", ErrInvalidRequest)
	}
	if len(r.RollbackData) > 0 && !json.Valid(r.RollbackData) {
		return fmt.Errorf("%w: rollbackData must be valid JSON", ErrInvalidRequest)
	}
	if r.RollbackOnFailure && len(r.RollbackData) == 0 {
		return fmt.Errorf("%w: rollbackOnFailure requires rollbackData", ErrInvalidRequest)
	}
	if r.BatchSize < 0 {
		return fmt.Errorf("%w: batchSize must not be negative", ErrInvalidRequest)
	}
	return nil
}

// HotReload runs a hot reload synchronously.
func (o *Orchestrator) HotReload(ctx context.Context, req HotReloadRequest) (ReloadSummary, error) {
	if err := req.validate(); err != nil {
		return ReloadSummary{}, err
	}
	job, err := o.createJob(ctx, req.syncType(), req.Targets, req.Payload, req.InitiatedBy)
	if err != nil {
		return ReloadSummary{}, err
	}
	return o.runHotReload(ctx, job, req)
}

func (o *Orchestrator) runHotReload(ctx context.Context, job model.SyncJob, req HotReloadRequest) (ReloadSummary, error) {
	targets, err := o.resolveTargets(ctx, req.Targets)
	if err != nil {
		o.finishJob(ctx, job, model.JobFailed, nil)
		return ReloadSummary{JobID: job.ID, Status: model.JobFailed}, err
	}
	job = o.startJob(ctx, job)
	syncType := req.syncType()

	for _, hook := range req.PreHooks {
		if err := hook(ctx, job, targetIDs(targets)); err != nil {
			job = o.finishJob(ctx, job, model.JobFailed, nil)
			sum := ReloadSummary{
				JobID:      job.ID,
				Status:     model.JobFailed,
				Successful: []string{},
				Failed:     targetIDs(targets),
				HookErrors: []string{err.Error()},
			}
			o.appendReloadEvent(ctx, job, syncType, sum)
			o.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("pre-hook aborted hot reload")
			return sum, fmt.Errorf("%w: pre-hook: %v", ErrAborted, err)
		}
	}

	results := o.dispatch(ctx, syncType, targets, req.BatchSize, req.Timeout, func(string) transport.Message {
		return transport.Message{
			Type:     transport.TypeHotReload,
			ReloadID: job.ID,
			SyncType: string(syncType),
			Payload:  req.Payload,
		}
	})
	ok, failed := split(results)
	status := jobStatus(results)
	sum := ReloadSummary{
		JobID:      job.ID,
		Status:     status,
		Successful: ok,
		Failed:     failed,
		Results:    results,
	}

	if len(ok) > 0 {
		for _, hook := range req.PostHooks {
			if err := hook(ctx, job, ok); err != nil {
				sum.HookErrors = append(sum.HookErrors, err.Error())
				o.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("post-hook failed")
			}
		}
	}

	if req.RollbackOnFailure && len(failed) > 0 && len(ok) > 0 {
		sum.RolledBack, sum.RollbackFailed = o.rollback(ctx, job, syncType, ok, req)
	}

	job = o.finishJob(ctx, job, status, results)
	o.appendReloadEvent(ctx, job, syncType, sum)
	o.Logger.Info().
		Str("job_id", job.ID).
		Str("sync_type", string(syncType)).
		Int("successful", len(ok)).
		Int("failed", len(failed)).
		Int("rolled_back", len(sum.RolledBack)).
		Msg("hot reload finished")
	return sum, nil
}

// rollback sends RollbackData once to each target that applied the payload.
func (o *Orchestrator) rollback(ctx context.Context, job model.SyncJob, syncType model.SyncType, succeeded []string, req HotReloadRequest) ([]string, []string) {
	targets := make([]target, len(succeeded))
	for i, id := range succeeded {
		targets[i] = target{id: id}
	}
	results := o.dispatch(ctx, syncType, targets, req.BatchSize, req.Timeout, func(string) transport.Message {
		return transport.Message{
			Type:     transport.TypeHotReload,
			ReloadID: job.ID,
			SyncType: string(syncType),
			Status:   "rollback",
			Payload:  req.RollbackData,
		}
	})
	done, failed := split(results)

	o.Events.Append(ctx, eventlog.Entry{
		EventType:   eventlog.SyncRollback,
		InitiatedBy: req.InitiatedBy,
		Success:     len(failed) == 0,
		Payload: map[string]any{
			"jobId":   job.ID,
			"results": resultDetail(results),
		},
	})
	if len(failed) > 0 {
		o.Logger.Error().Str("job_id", job.ID).Strs("neurons", failed).Msg("rollback not applied")
	}
	return done, failed
}

func (o *Orchestrator) appendReloadEvent(ctx context.Context, job model.SyncJob, syncType model.SyncType, sum ReloadSummary) {
	payload := map[string]any{
		"jobId":      job.ID,
		"syncType":   string(syncType),
		"status":     string(sum.Status),
		"successful": len(sum.Successful),
		"failed":     len(sum.Failed),
		"results":    resultDetail(sum.Results),
	}
	if len(sum.RolledBack) > 0 {
		payload["rolledBack"] = sum.RolledBack
	}
	if len(sum.HookErrors) > 0 {
		payload["hookErrors"] = sum.HookErrors
	}
	o.Events.Append(ctx, eventlog.Entry{
		EventType:   eventlog.HotReload,
		InitiatedBy: job.InitiatedBy,
		Success:     sum.Status == model.JobCompleted && len(sum.Failed) == 0,
		Payload:     payload,
	})
}
