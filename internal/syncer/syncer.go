// Package syncer distributes config versions and hot-reload payloads to
// neurons in bounded batches and records every dispatch as a sync job.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"neuronctl/internal/configstore"
	"neuronctl/internal/eventlog"
	"neuronctl/internal/failures"
	"neuronctl/internal/metrics"
	"neuronctl/internal/model"
	"neuronctl/internal/registry"
	"neuronctl/internal/store"
	"neuronctl/internal/transport"
)

var (
	ErrInvalidRequest = errors.New("invalid sync request")
	ErrQueueFull      = errors.New("sync queue is full")
)

// Per-target failure reasons in addition to the transport reasons.
const (
	ReasonRetired       = "retired"
	ReasonUnknownNeuron = "unknown_neuron"
)

// Neurons is the registry surface used to resolve targets.
type Neurons interface {
	Get(ctx context.Context, id string) (model.Neuron, error)
	List(ctx context.Context, f registry.Filter) ([]model.Neuron, error)
}

// Configs is the version store surface.
type Configs interface {
	ActiveVersion(key string) int64
	Write(ctx context.Context, req configstore.WriteRequest, base int64) (configstore.WriteResult, error)
	Rollback(ctx context.Context, key string, toVersion int64, by, reason string) (configstore.WriteResult, error)
}

// Raiser records a failure and escalates it.
type Raiser interface {
	Raise(ctx context.Context, s failures.Spec)
}

// Options tunes dispatch.
type Options struct {
	BatchSize int
	Timeout   time.Duration
	QueueSize int
}

// Deps groups the collaborators of an Orchestrator.
type Deps struct {
	Records   store.Records
	Neurons   Neurons
	Configs   Configs
	Transport transport.Sender
	Failures  Raiser
	Events    *eventlog.Log
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

type queued struct {
	job model.SyncJob
	req HotReloadRequest
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	Deps
	opts  Options
	queue chan queued
	now   func() time.Time
}

// New returns an Orchestrator. Submitted jobs run once Run is started.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Orchestrator{
		Deps:  deps,
		opts:  opts,
		queue: make(chan queued, opts.QueueSize),
		now:   time.Now,
	}
}

// Jobs lists sync jobs newest first.
func (o *Orchestrator) Jobs(ctx context.Context, f store.JobFilter) ([]model.SyncJob, error) {
	return o.Records.ListSyncJobs(ctx, f)
}

// target is a resolved dispatch target. A non-empty reason means it fails
// without a message being sent.
type target struct {
	id     string
	reason string
}

// resolveTargets expands an empty list to every non-retired neuron and
// marks explicit targets that cannot receive messages.
func (o *Orchestrator) resolveTargets(ctx context.Context, ids []string) ([]target, error) {
	if len(ids) == 0 {
		neurons, err := o.Neurons.List(ctx, registry.Filter{})
		if err != nil {
			return nil, fmt.Errorf("list neurons: %w", err)
		}
		out := make([]target, 0, len(neurons))
		for _, n := range neurons {
			out = append(out, target{id: n.ID})
		}
		return out, nil
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]target, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		n, err := o.Neurons.Get(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			out = append(out, target{id: id, reason: ReasonUnknownNeuron})
		case err != nil:
			return nil, fmt.Errorf("load neuron %s: %w", id, err)
		case n.Status == model.NeuronRetired:
			out = append(out, target{id: id, reason: ReasonRetired})
		default:
			out = append(out, target{id: id})
		}
	}
	return out, nil
}

func targetIDs(ts []target) []string {
	ids := make([]string, len(ts))
	for i, t := range ts {
		ids[i] = t.id
	}
	return ids
}

// dispatch sends build(id) to every target in batches of batchSize. Each
// batch finishes before the next starts. Results keep target order.
func (o *Orchestrator) dispatch(ctx context.Context, syncType model.SyncType, targets []target, batchSize int, timeout time.Duration, build func(id string) transport.Message) []model.TargetResult {
	if batchSize <= 0 {
		batchSize = o.opts.BatchSize
	}
	if timeout <= 0 {
		timeout = o.opts.Timeout
	}

	results := make([]model.TargetResult, len(targets))
	for start := 0; start < len(targets); start += batchSize {
		end := min(start+batchSize, len(targets))

		var g errgroup.Group
		for i := start; i < end; i++ {
			t := targets[i]
			if t.reason != "" {
				results[i] = model.TargetResult{NeuronID: t.id, Reason: t.reason}
				continue
			}
			g.Go(func() error {
				res := o.Transport.Send(ctx, t.id, build(t.id), timeout)
				r := model.TargetResult{NeuronID: t.id, Success: res.Success, ResponseTimeMs: res.ResponseTimeMs}
				if !res.Success {
					r.Reason = res.Reason
					if res.Reply != nil && res.Reply.Error != "" {
						r.Reason = res.Reason + ": " + res.Reply.Error
					}
				}
				results[i] = r
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, r := range results {
		o.Metrics.ObserveSyncTarget(syncType, r.Success)
	}
	return results
}

func split(results []model.TargetResult) (ok, failed []string) {
	ok, failed = []string{}, []string{}
	for _, r := range results {
		if r.Success {
			ok = append(ok, r.NeuronID)
		} else {
			failed = append(failed, r.NeuronID)
		}
	}
	return ok, failed
}

// jobStatus is completed unless every target failed.
func jobStatus(results []model.TargetResult) model.JobStatus {
	if len(results) == 0 {
		return model.JobCompleted
	}
	for _, r := range results {
		if r.Success {
			return model.JobCompleted
		}
	}
	return model.JobFailed
}

func (o *Orchestrator) createJob(ctx context.Context, typ model.SyncType, targets []string, payload json.RawMessage, by string) (model.SyncJob, error) {
	job := model.SyncJob{
		ID:          uuid.NewString(),
		Type:        typ,
		Targets:     targets,
		Payload:     payload,
		Status:      model.JobPending,
		InitiatedBy: by,
		CreatedAt:   o.now().UTC(),
	}
	if err := o.Records.CreateSyncJob(ctx, job); err != nil {
		return model.SyncJob{}, fmt.Errorf("create sync job: %w", err)
	}
	return job, nil
}

func (o *Orchestrator) startJob(ctx context.Context, job model.SyncJob) model.SyncJob {
	running := model.JobRunning
	at := o.now().UTC()
	updated, err := o.Records.UpdateSyncJob(ctx, job.ID, store.SyncJobUpdate{Status: &running, StartedAt: &at})
	if err != nil {
		o.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("mark sync job running")
		job.Status = running
		job.StartedAt = &at
		return job
	}
	return updated
}

func (o *Orchestrator) finishJob(ctx context.Context, job model.SyncJob, status model.JobStatus, results []model.TargetResult) model.SyncJob {
	ok, failed := split(results)
	nOK, nFailed := len(ok), len(failed)
	at := o.now().UTC()
	u := store.SyncJobUpdate{
		Status:       &status,
		SuccessCount: &nOK,
		FailureCount: &nFailed,
		Results:      results,
		CompletedAt:  &at,
	}
	updated, err := o.Records.UpdateSyncJob(ctx, job.ID, u)
	if err != nil {
		o.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("finish sync job")
		store.ApplySyncJobUpdate(&job, u)
		return job
	}
	return updated
}

func resultDetail(results []model.TargetResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		d := map[string]any{"neuronId": r.NeuronID, "success": r.Success, "responseTimeMs": r.ResponseTimeMs}
		if r.Reason != "" {
			d["reason"] = r.Reason
		}
		out = append(out, d)
	}
	return out
}

// Submit queues a hot reload for the Run worker and returns its pending job.
func (o *Orchestrator) Submit(ctx context.Context, req HotReloadRequest) (model.SyncJob, error) {
	if err := req.validate(); err != nil {
		return model.SyncJob{}, err
	}
	job, err := o.createJob(ctx, req.syncType(), req.Targets, req.Payload, req.InitiatedBy)
	if err != nil {
		return model.SyncJob{}, err
	}
	select {
	case o.queue <- queued{job: job, req: req}:
		return job, nil
	default:
		failed := model.JobFailed
		at := o.now().UTC()
		if _, err := o.Records.UpdateSyncJob(ctx, job.ID, store.SyncJobUpdate{Status: &failed, CompletedAt: &at}); err != nil {
			o.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("fail unqueued sync job")
		}
		return model.SyncJob{}, ErrQueueFull
	}
}

// Run executes submitted jobs one at a time until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-o.queue:
			if _, err := o.runHotReload(ctx, q.job, q.req); err != nil {
				o.Logger.Warn().Err(err).Str("job_id", q.job.ID).Msg("queued hot reload")
			}
		}
	}
}
