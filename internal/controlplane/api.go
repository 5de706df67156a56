package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"neuronctl/internal/api"
	"neuronctl/internal/configstore"
	"neuronctl/internal/failures"
	"neuronctl/internal/model"
	"neuronctl/internal/recovery"
	"neuronctl/internal/registry"
	"neuronctl/internal/store"
	"neuronctl/internal/syncer"
	"neuronctl/internal/transport"
)

// API is the operator facade. Every method returns an api.Response; errors
// and panics never cross it.
type API struct {
	cp  *ControlPlane
	log zerolog.Logger
}

// API returns the facade over cp.
func (cp *ControlPlane) API() *API {
	return &API{cp: cp, log: cp.log.With().Str("component", "api").Logger()}
}

// ResolvedConflict is the outcome of ResolveConflict.
type ResolvedConflict struct {
	Conflict     model.Conflict       `json:"conflict"`
	Version      *model.ConfigVersion `json:"version,omitempty"`
	Distribution *syncer.Summary      `json:"distribution,omitempty"`
}

// RecoveryReport is the outcome of ForceRecovery.
type RecoveryReport struct {
	NeuronID string             `json:"neuronId"`
	Attempts []recovery.Attempt `json:"attempts"`
	Open     int                `json:"openFailures"`
}

func (a *API) call(op string, fn func() (any, error)) (resp api.Response) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Str("op", op).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("api panic")
			resp = api.Fail(api.CodeInternal, fmt.Errorf("%s: internal error", op))
		}
	}()

	data, err := fn()
	if err != nil {
		code := codeFor(err)
		ev := a.log.Warn()
		if code == api.CodeInternal {
			ev = a.log.Error()
		}
		ev.Err(err).Str("op", op).Str("code", code).Msg("api call failed")
		return api.Fail(code, err)
	}
	return api.OK(data)
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, registry.ErrInvalid),
		errors.Is(err, syncer.ErrInvalidRequest),
		errors.Is(err, configstore.ErrInvalid),
		errors.Is(err, configstore.ErrInvalidResolution):
		return api.CodeInvalid
	case errors.Is(err, registry.ErrRetired):
		return api.CodeRetired
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, failures.ErrNotFound),
		errors.Is(err, configstore.ErrVersionNotFound):
		return api.CodeNotFound
	case errors.Is(err, configstore.ErrAlreadyResolved), errors.Is(err, store.ErrExists):
		return api.CodeConflict
	case errors.Is(err, syncer.ErrQueueFull):
		return api.CodeUnavailable
	case errors.Is(err, syncer.ErrAborted):
		return api.CodeAborted
	}
	return api.CodeInternal
}

// RegisterNeuron registers or re-registers a neuron.
func (a *API) RegisterNeuron(ctx context.Context, reg registry.Registration) api.Response {
	return a.call("register_neuron", func() (any, error) {
		return a.cp.Registry.Register(ctx, reg)
	})
}

// ListNeurons lists neurons matching f.
func (a *API) ListNeurons(ctx context.Context, f registry.Filter) api.Response {
	return a.call("list_neurons", func() (any, error) {
		ns, err := a.cp.Registry.List(ctx, f)
		if ns == nil {
			ns = []model.Neuron{}
		}
		return ns, err
	})
}

// GetNeuron returns one neuron.
func (a *API) GetNeuron(ctx context.Context, id string) api.Response {
	return a.call("get_neuron", func() (any, error) {
		return a.cp.Registry.Get(ctx, id)
	})
}

// PushConfig writes and distributes a config version.
func (a *API) PushConfig(ctx context.Context, req syncer.PushConfigRequest) api.Response {
	return a.call("push_config", func() (any, error) {
		return a.cp.Syncer.PushConfig(ctx, req)
	})
}

// ConfigVersions lists every version of key.
func (a *API) ConfigVersions(ctx context.Context, key string) api.Response {
	return a.call("config_versions", func() (any, error) {
		vs, err := a.cp.Configs.Versions(ctx, key)
		if err == nil && len(vs) == 0 {
			return nil, fmt.Errorf("config %s: %w", key, store.ErrNotFound)
		}
		return vs, err
	})
}

// RollbackConfig re-activates an older version and distributes it.
func (a *API) RollbackConfig(ctx context.Context, req api.RollbackRequest) api.Response {
	return a.call("rollback_config", func() (any, error) {
		return a.cp.Syncer.RollbackConfig(ctx, req.Key, req.Version, req.By, req.Reason)
	})
}

// HotReload runs a hot reload to completion.
func (a *API) HotReload(ctx context.Context, req syncer.HotReloadRequest) api.Response {
	return a.call("hot_reload", func() (any, error) {
		return a.cp.Syncer.HotReload(ctx, req)
	})
}

// SubmitHotReload queues a hot reload and returns its pending job.
func (a *API) SubmitHotReload(ctx context.Context, req syncer.HotReloadRequest) api.Response {
	return a.call("submit_hot_reload", func() (any, error) {
		return a.cp.Syncer.Submit(ctx, req)
	})
}

// FleetStatus summarizes the fleet.
func (a *API) FleetStatus(ctx context.Context) api.Response {
	return a.call("fleet_status", func() (any, error) {
		fs, err := a.cp.Analytics.FleetStatus(ctx)
		if err != nil {
			return nil, err
		}
		fs.Endpoint = a.cp.Endpoint()
		fs.NATType = string(a.cp.NATType())
		return fs, nil
	})
}

// NeuronHealth reports one neuron's health since the given time.
func (a *API) NeuronHealth(ctx context.Context, id string, since time.Time) api.Response {
	return a.call("neuron_health", func() (any, error) {
		return a.cp.Analytics.NeuronHealth(ctx, id, since)
	})
}

// CheckNeuron runs an immediate health check.
func (a *API) CheckNeuron(ctx context.Context, id string, typ model.CheckType) api.Response {
	return a.call("check_neuron", func() (any, error) {
		if typ == "" {
			typ = model.CheckHeartbeat
		}
		if !typ.Valid() {
			return nil, fmt.Errorf("%w: unknown check type %q", registry.ErrInvalid, typ)
		}
		return a.cp.Health.CheckNow(ctx, id, typ)
	})
}

// ListEvents returns federation events matching f.
func (a *API) ListEvents(ctx context.Context, f store.EventFilter) api.Response {
	return a.call("list_events", func() (any, error) {
		evs, err := a.cp.Events.List(ctx, f)
		if evs == nil {
			evs = []model.FederationEvent{}
		}
		return evs, err
	})
}

// ExportEvents writes matching events to w as CSV.
func (a *API) ExportEvents(ctx context.Context, w io.Writer, f store.EventFilter) api.Response {
	return a.call("export_events", func() (any, error) {
		n, err := a.cp.Events.Export(ctx, w, f)
		return api.Exported{Count: n}, err
	})
}

// ListJobs returns sync jobs matching f, newest first.
func (a *API) ListJobs(ctx context.Context, f store.JobFilter) api.Response {
	return a.call("list_jobs", func() (any, error) {
		jobs, err := a.cp.Syncer.Jobs(ctx, f)
		if jobs == nil {
			jobs = []model.SyncJob{}
		}
		return jobs, err
	})
}

// ListConflicts returns conflicts with status ("" for all).
func (a *API) ListConflicts(ctx context.Context, status model.ConflictStatus) api.Response {
	return a.call("list_conflicts", func() (any, error) {
		cs, err := a.cp.Configs.Conflicts(ctx, status)
		if cs == nil {
			cs = []model.Conflict{}
		}
		return cs, err
	})
}

// ResolveConflict applies an operator decision and distributes the
// version it activates to every neuron.
func (a *API) ResolveConflict(ctx context.Context, id string, req api.ResolveConflictRequest) api.Response {
	return a.call("resolve_conflict", func() (any, error) {
		res, err := a.cp.Configs.ResolveConflict(ctx, id, req.Resolution, req.Data, req.ResolvedBy)
		if err != nil {
			return nil, err
		}
		out := ResolvedConflict{Conflict: res.Conflict, Version: res.Version}
		if res.Version != nil {
			sum, err := a.cp.Syncer.DistributeVersion(ctx, *res.Version, nil, req.ResolvedBy)
			if err != nil {
				a.log.Warn().Err(err).Str("conflict_id", id).Msg("distribute resolved version")
			} else {
				out.Distribution = &sum
			}
		}
		return out, nil
	})
}

// RetireNeuron retires a neuron permanently.
func (a *API) RetireNeuron(ctx context.Context, id, by string) api.Response {
	return a.call("retire_neuron", func() (any, error) {
		return a.cp.Registry.Retire(ctx, id, by)
	})
}

// Broadcast sends an advisory to every connected neuron.
func (a *API) Broadcast(ctx context.Context, req api.AdvisoryRequest) api.Response {
	return a.call("broadcast", func() (any, error) {
		res := a.cp.Hub.Broadcast(ctx, transport.Message{
			Type:      transport.TypeAdvisory,
			Status:    req.Status,
			Error:     req.Detail,
			Timestamp: time.Now().UTC(),
		})
		if res.Errors == nil {
			res.Errors = []string{}
		}
		return res, nil
	})
}

// ForceRecovery runs recovery for a neuron now, bypassing the queue.
func (a *API) ForceRecovery(ctx context.Context, id string) api.Response {
	return a.call("force_recovery", func() (any, error) {
		if _, err := a.cp.Registry.Get(ctx, id); err != nil {
			return nil, err
		}
		attempts := a.cp.Recovery.ForceRecovery(ctx, id)
		if attempts == nil {
			attempts = []recovery.Attempt{}
		}
		return RecoveryReport{
			NeuronID: id,
			Attempts: attempts,
			Open:     len(a.cp.Ledger.Unrecovered(id)),
		}, nil
	})
}

// ListFailures returns the failure ledger for a neuron ("" for all).
func (a *API) ListFailures(ctx context.Context, neuronID string) api.Response {
	return a.call("list_failures", func() (any, error) {
		fs := a.cp.Ledger.List(neuronID)
		if fs == nil {
			fs = []model.FailureEvent{}
		}
		return fs, nil
	})
}

// Heartbeat records a check-in after verifying the neuron's access token.
func (a *API) Heartbeat(ctx context.Context, id, token string) api.Response {
	if !a.cp.Registry.VerifyToken(ctx, id, token) {
		return api.Fail(api.CodeUnauthorized, errors.New("invalid neuron token"))
	}
	return a.call("heartbeat", func() (any, error) {
		if err := a.cp.Registry.Heartbeat(ctx, id); err != nil {
			return nil, err
		}
		return map[string]string{"neuronId": id}, nil
	})
}
