// Package recovery drives automated remediation of escalated failures.
//
// Neurons enter a queue keyed by ID. Each tick, every queued neuron's open
// failures get one attempt of the strategy for their type, until the
// failure recovers or its attempts run out.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"neuronctl/internal/eventlog"
	"neuronctl/internal/failures"
	"neuronctl/internal/metrics"
	"neuronctl/internal/model"
	"neuronctl/internal/transport"
)

// Checker is the health surface used by the timeout and analytics strategies.
type Checker interface {
	CheckNow(ctx context.Context, id string, typ model.CheckType) (model.HealthCheckResult, error)
	ResetErrors(id string)
	TimeoutThreshold() time.Duration
}

// Redeliverer re-sends a config version to one neuron.
type Redeliverer interface {
	Redeliver(ctx context.Context, neuronID string, v model.ConfigVersion) transport.Result
}

// Configs looks up the active version of a config key.
type Configs interface {
	Active(key string) (model.ConfigVersion, bool)
}

// Neurons resolves a neuron's declared address for reconnects.
type Neurons interface {
	Get(ctx context.Context, id string) (model.Neuron, error)
}

// Options tunes the orchestrator.
type Options struct {
	Interval    time.Duration
	PingTimeout time.Duration
}

// Attempt reports one strategy run.
type Attempt struct {
	FailureID string            `json:"failureId"`
	NeuronID  string            `json:"neuronId"`
	Type      model.FailureType `json:"type"`
	Attempt   int               `json:"attempt"`
	Recovered bool              `json:"recovered"`
	Detail    string            `json:"detail,omitempty"`
}

// Deps groups the collaborators of an Orchestrator.
type Deps struct {
	Ledger    *failures.Ledger
	Transport transport.Sender
	Neurons   Neurons
	Checker   Checker
	Syncer    Redeliverer
	Configs   Configs
	Events    *eventlog.Log
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	Deps
	opts Options

	mu    sync.Mutex
	queue map[string]struct{}
}

// New returns an Orchestrator with an empty queue.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 10 * time.Second
	}
	return &Orchestrator{
		Deps:  deps,
		opts:  opts,
		queue: make(map[string]struct{}),
	}
}

// Enqueue adds the neuron to the queue. It reports false when the neuron
// was already queued.
func (o *Orchestrator) Enqueue(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.queue[id]; ok {
		return false
	}
	o.queue[id] = struct{}{}
	return true
}

// Queued returns the queued neuron IDs in order.
func (o *Orchestrator) Queued() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.queue))
	for id := range o.queue {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) dequeue(id string) {
	o.mu.Lock()
	delete(o.queue, id)
	o.mu.Unlock()
}

// Run enqueues IDs from escalations and processes the queue every interval
// until ctx is done. Each tick also queues neurons with actionable high or
// critical failures in the ledger.
func (o *Orchestrator) Run(ctx context.Context, escalations <-chan string) error {
	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-escalations:
			if o.Enqueue(id) {
				o.Logger.Info().Str("neuron_id", id).Msg("queued for recovery")
			}
		case <-ticker.C:
			o.reseed()
			o.ProcessOnce(ctx)
		}
	}
}

// reseed queues neurons whose escalating failures never reached the queue.
func (o *Orchestrator) reseed() {
	for _, id := range o.Ledger.NeuronsWithOpenFailures() {
		for _, f := range o.Ledger.Actionable(id) {
			if !f.Severity.Escalates() {
				continue
			}
			if o.Enqueue(id) {
				o.Logger.Info().Str("neuron_id", id).Msg("queued for recovery from ledger")
			}
			break
		}
	}
}

// ProcessOnce makes one pass over the queue. A neuron leaves the queue once
// none of its failures can be acted on.
func (o *Orchestrator) ProcessOnce(ctx context.Context) []Attempt {
	var attempts []Attempt
	for _, id := range o.Queued() {
		if ctx.Err() != nil {
			break
		}
		attempts = append(attempts, o.recoverNeuron(ctx, id)...)
		if len(o.Ledger.Actionable(id)) == 0 {
			o.dequeue(id)
			o.Logger.Debug().Str("neuron_id", id).Msg("dequeued from recovery")
		}
	}
	return attempts
}

// ForceRecovery runs one pass for the neuron immediately, whether or not it
// is queued. A neuron without open failures is left untouched.
func (o *Orchestrator) ForceRecovery(ctx context.Context, id string) []Attempt {
	attempts := o.recoverNeuron(ctx, id)
	if len(o.Ledger.Actionable(id)) == 0 {
		o.dequeue(id)
	}
	return attempts
}

func (o *Orchestrator) recoverNeuron(ctx context.Context, id string) []Attempt {
	var attempts []Attempt
	for _, f := range o.Ledger.Unrecovered(id) {
		if f.RecoveryAttempts >= o.Ledger.MaxAttempts() {
			o.Logger.Debug().Str("neuron_id", id).Str("failure_id", f.ID).Str("type", string(f.Type)).Msg("recovery exhausted, skipping")
			continue
		}
		a, ok := o.attempt(ctx, f)
		if ok {
			attempts = append(attempts, a)
		}
	}
	return attempts
}

func (o *Orchestrator) attempt(ctx context.Context, f model.FailureEvent) (Attempt, bool) {
	begun, err := o.Ledger.BeginAttempt(f.ID)
	if err != nil {
		if !errors.Is(err, failures.ErrExhausted) && !errors.Is(err, failures.ErrRecovered) {
			o.Logger.Warn().Err(err).Str("failure_id", f.ID).Msg("begin recovery attempt")
		}
		return Attempt{}, false
	}
	f = begun

	detail, err := o.strategy(ctx, f)
	a := Attempt{
		FailureID: f.ID,
		NeuronID:  f.NeuronID,
		Type:      f.Type,
		Attempt:   f.RecoveryAttempts,
		Recovered: err == nil,
		Detail:    detail,
	}
	if err != nil {
		a.Detail = err.Error()
	} else if _, err := o.Ledger.MarkRecovered(f.ID); err != nil {
		o.Logger.Warn().Err(err).Str("failure_id", f.ID).Msg("mark recovered")
	}

	outcome := "failed"
	if a.Recovered {
		outcome = "recovered"
	}
	o.Metrics.ObserveRecovery(f.Type, outcome)
	o.Events.Append(ctx, eventlog.Entry{
		NeuronID:    f.NeuronID,
		EventType:   eventlog.RecoveryAttempt,
		InitiatedBy: "recovery",
		Success:     a.Recovered,
		Payload: map[string]any{
			"failureId": f.ID,
			"type":      string(f.Type),
			"attempt":   a.Attempt,
			"detail":    a.Detail,
		},
	})
	log := o.Logger.Info()
	if !a.Recovered {
		log = o.Logger.Warn()
	}
	log.Str("neuron_id", f.NeuronID).
		Str("type", string(f.Type)).
		Int("attempt", a.Attempt).
		Bool("recovered", a.Recovered).
		Str("detail", a.Detail).
		Msg("recovery attempt")

	if !a.Recovered && f.RecoveryAttempts >= o.Ledger.MaxAttempts() {
		o.Metrics.ObserveRecovery(f.Type, "exhausted")
		o.Events.Append(ctx, eventlog.Entry{
			NeuronID:    f.NeuronID,
			EventType:   eventlog.RecoveryExhausted,
			InitiatedBy: "recovery",
			Payload:     map[string]any{"failureId": f.ID, "type": string(f.Type), "attempts": f.RecoveryAttempts},
		})
		o.Logger.Error().Str("neuron_id", f.NeuronID).Str("type", string(f.Type)).Msg("recovery attempts exhausted")
	}
	return a, true
}

// strategy runs the remediation for f's type. A nil error means recovered.
func (o *Orchestrator) strategy(ctx context.Context, f model.FailureEvent) (string, error) {
	switch f.Type {
	case model.FailureOffline:
		return o.reconnect(ctx, f.NeuronID)
	case model.FailureConfig:
		return o.redeliver(ctx, f)
	case model.FailureHealthDegraded:
		return o.advise(f)
	case model.FailureTimeout:
		return o.recheck(ctx, f.NeuronID)
	case model.FailureAnalytics:
		o.Checker.ResetErrors(f.NeuronID)
		return "error counter reset", nil
	}
	return "", fmt.Errorf("no recovery strategy for %s", f.Type)
}

func (o *Orchestrator) reconnect(ctx context.Context, id string) (string, error) {
	if !o.Transport.IsConnected(id) {
		n, err := o.Neurons.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if n.Address == "" {
			return "", errors.New("no session and no address to dial")
		}
		if err := o.Transport.Connect(ctx, id, n.Address); err != nil {
			return "", fmt.Errorf("reconnect: %w", err)
		}
	}
	res := o.Transport.Ping(ctx, id, o.opts.PingTimeout)
	if !res.Success {
		return "", fmt.Errorf("ping: %s", res.Reason)
	}
	return fmt.Sprintf("pong in %.1fms", res.ResponseTimeMs), nil
}

func (o *Orchestrator) redeliver(ctx context.Context, f model.FailureEvent) (string, error) {
	if f.ConfigKey == "" {
		return "", errors.New("failure has no config key")
	}
	v, ok := o.Configs.Active(f.ConfigKey)
	if !ok {
		return "", fmt.Errorf("no active version of %s", f.ConfigKey)
	}
	res := o.Syncer.Redeliver(ctx, f.NeuronID, v)
	if !res.Success {
		return "", fmt.Errorf("redeliver %s v%d: %s", v.Key, v.Version, res.Reason)
	}
	return fmt.Sprintf("redelivered %s v%d", v.Key, v.Version), nil
}

func (o *Orchestrator) advise(f model.FailureEvent) (string, error) {
	payload, err := json.Marshal(map[string]any{"failureId": f.ID, "message": f.Message})
	if err != nil {
		return "", err
	}
	msg := transport.Message{Type: transport.TypeAdvisory, Status: string(f.Type), Payload: payload}
	if err := o.Transport.Notify(f.NeuronID, msg); err != nil {
		return "", err
	}
	return "advisory sent", nil
}

func (o *Orchestrator) recheck(ctx context.Context, id string) (string, error) {
	r, err := o.Checker.CheckNow(ctx, id, model.CheckHeartbeat)
	if err != nil {
		return "", err
	}
	limit := float64(2 * o.Checker.TimeoutThreshold().Milliseconds())
	if !r.Reachable {
		return "", errors.New("neuron unreachable on recheck")
	}
	if r.ResponseTimeMs >= limit {
		return "", fmt.Errorf("response %.0fms still at or above %.0fms", r.ResponseTimeMs, limit)
	}
	return fmt.Sprintf("response %.0fms", r.ResponseTimeMs), nil
}
