// Package health polls neurons over the transport, scores them, and raises
// failures on transitions between consecutive checks.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"neuronctl/internal/eventlog"
	"neuronctl/internal/failures"
	"neuronctl/internal/metrics"
	"neuronctl/internal/model"
	"neuronctl/internal/registry"
	"neuronctl/internal/store"
	"neuronctl/internal/transport"
)

// ErrRetired is returned when checking a retired neuron.
var ErrRetired = errors.New("neuron is retired")

// Neurons is the registry surface the monitor needs.
type Neurons interface {
	Get(ctx context.Context, id string) (model.Neuron, error)
	List(ctx context.Context, f registry.Filter) ([]model.Neuron, error)
	UpdateStatus(ctx context.Context, id string, u registry.Update) (model.Neuron, error)
}

// Options tunes the monitor. Zero values take the defaults below.
type Options struct {
	HeartbeatInterval time.Duration
	DeepInterval      time.Duration
	OfflineThreshold  time.Duration
	TimeoutThreshold  time.Duration
	PingTimeout       time.Duration
	ErrorThreshold    int
	ErrorWindow       time.Duration
	Retention         time.Duration
	DeepChecksPerSec  int
	Concurrency       int
}

func (o *Options) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.DeepInterval <= 0 {
		o.DeepInterval = 5 * time.Minute
	}
	if o.OfflineThreshold <= 0 {
		o.OfflineThreshold = 120 * time.Second
	}
	if o.TimeoutThreshold <= 0 {
		o.TimeoutThreshold = 5 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 2 * o.TimeoutThreshold
	}
	if o.ErrorThreshold <= 0 {
		o.ErrorThreshold = 10
	}
	if o.ErrorWindow <= 0 {
		o.ErrorWindow = 5 * time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.DeepChecksPerSec <= 0 {
		o.DeepChecksPerSec = 5
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 16
	}
}

type neuronState struct {
	mu        sync.Mutex
	last      *model.HealthCheckResult
	history   []model.HealthCheckResult
	lastSeen  time.Time
	selfScore int
	hasSelf   bool
	errors    []time.Time
}

// Monitor runs the heartbeat and deep-check loops.
type Monitor struct {
	neurons   Neurons
	transport transport.Sender
	records   store.Records
	ledger    *failures.Ledger
	events    *eventlog.Log
	metrics   *metrics.Metrics
	log       zerolog.Logger
	opts      Options
	limiter   *rate.Limiter
	escalate  chan string
	now       func() time.Time

	mu     sync.Mutex
	states map[string]*neuronState
}

// New returns a Monitor. Escalated neuron IDs are delivered on Failures().
func New(neurons Neurons, sender transport.Sender, records store.Records, ledger *failures.Ledger, events *eventlog.Log, m *metrics.Metrics, logger zerolog.Logger, opts Options) *Monitor {
	opts.defaults()
	return &Monitor{
		neurons:   neurons,
		transport: sender,
		records:   records,
		ledger:    ledger,
		events:    events,
		metrics:   m,
		log:       logger,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Limit(opts.DeepChecksPerSec), opts.DeepChecksPerSec),
		escalate:  make(chan string, 64),
		now:       time.Now,
		states:    make(map[string]*neuronState),
	}
}

// Failures delivers the IDs of neurons with a newly raised high or critical
// failure.
func (m *Monitor) Failures() <-chan string {
	return m.escalate
}

// TimeoutThreshold is the response time above which a timeout failure is raised.
func (m *Monitor) TimeoutThreshold() time.Duration {
	return m.opts.TimeoutThreshold
}

// RunHeartbeats pings every non-retired neuron each heartbeat interval
// until ctx is done.
func (m *Monitor) RunHeartbeats(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx, model.CheckHeartbeat)
			m.prune(m.now())
		}
	}
}

// RunDeepChecks requests metrics from every non-retired neuron each deep
// interval until ctx is done.
func (m *Monitor) RunDeepChecks(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.DeepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx, model.CheckDeep)
		}
	}
}

// Sweep checks every non-retired neuron once and returns the results.
// Deep checks are paced by the rate limiter.
func (m *Monitor) Sweep(ctx context.Context, typ model.CheckType) []model.HealthCheckResult {
	neurons, err := m.neurons.List(ctx, registry.Filter{})
	if err != nil {
		m.log.Error().Err(err).Msg("list neurons for health sweep")
		return nil
	}

	var (
		mu      sync.Mutex
		results []model.HealthCheckResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, n := range neurons {
		if typ != model.CheckHeartbeat {
			if err := m.limiter.Wait(gctx); err != nil {
				break
			}
		}
		g.Go(func() error {
			r := m.check(gctx, n, typ)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.refreshGauge(ctx)
	sort.Slice(results, func(i, j int) bool { return results[i].NeuronID < results[j].NeuronID })
	return results
}

// CheckNow runs one check outside the loops.
func (m *Monitor) CheckNow(ctx context.Context, id string, typ model.CheckType) (model.HealthCheckResult, error) {
	n, err := m.neurons.Get(ctx, id)
	if err != nil {
		return model.HealthCheckResult{}, err
	}
	if n.Status == model.NeuronRetired {
		return model.HealthCheckResult{}, fmt.Errorf("check %s: %w", id, ErrRetired)
	}
	return m.check(ctx, n, typ), nil
}

// Latest returns the neuron's most recent check.
func (m *Monitor) Latest(id string) (model.HealthCheckResult, bool) {
	st := m.lookup(id)
	if st == nil {
		return model.HealthCheckResult{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.last == nil {
		return model.HealthCheckResult{}, false
	}
	return *st.last, true
}

// History returns the neuron's checks within the retention window, oldest first.
func (m *Monitor) History(id string) []model.HealthCheckResult {
	st := m.lookup(id)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]model.HealthCheckResult(nil), st.history...)
}

// RecordError counts an error reported by or about the neuron and raises
// analytics_failure once the count within the window passes the threshold.
func (m *Monitor) RecordError(ctx context.Context, id string) int {
	st := m.state(id)
	st.mu.Lock()
	now := m.now()
	st.errors = append(st.errors, now)
	count := st.trimErrors(now, m.opts.ErrorWindow)
	st.mu.Unlock()

	if count > m.opts.ErrorThreshold {
		m.Raise(ctx, failures.Spec{
			NeuronID: id,
			Type:     model.FailureAnalytics,
			Severity: model.SeverityHigh,
			Message:  fmt.Sprintf("%d errors within %s", count, m.opts.ErrorWindow),
		})
	}
	return count
}

// ResetErrors clears the neuron's error counter.
func (m *Monitor) ResetErrors(id string) {
	st := m.state(id)
	st.mu.Lock()
	st.errors = nil
	st.mu.Unlock()
}

// ErrorCount returns the errors counted within the window.
func (m *Monitor) ErrorCount(id string) int {
	st := m.lookup(id)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.trimErrors(m.now(), m.opts.ErrorWindow)
}

// check probes one neuron and evaluates the result against its previous
// check. Checks on the same neuron are serialized.
func (m *Monitor) check(ctx context.Context, n model.Neuron, typ model.CheckType) model.HealthCheckResult {
	st := m.state(n.ID)
	st.mu.Lock()

	var (
		reachable  bool
		responseMs float64
		reason     string
		reported   map[string]float64
	)
	switch typ {
	case model.CheckDeep, model.CheckPerformance:
		res := m.transport.Send(ctx, n.ID, transport.Message{Type: transport.TypeMetricsRequest}, m.opts.PingTimeout)
		reachable, responseMs, reason = res.Success, res.ResponseTimeMs, res.Reason
		if res.Reply != nil {
			reported = res.Reply.Metrics
		}
	default:
		res := m.transport.Ping(ctx, n.ID, m.opts.PingTimeout)
		reachable, responseMs, reason = res.Success, res.ResponseTimeMs, res.Reason
	}

	now := m.now().UTC()
	if reachable {
		st.lastSeen = now
	}
	lastSeen := st.lastSeen
	if n.LastCheckIn.After(lastSeen) {
		lastSeen = n.LastCheckIn
	}
	if lastSeen.IsZero() {
		lastSeen = n.RegisteredAt
	}
	if v, ok := reported["health_score"]; ok {
		st.selfScore = clamp(int(v))
		st.hasSelf = true
	}

	r := model.HealthCheckResult{
		ID:             uuid.NewString(),
		NeuronID:       n.ID,
		CheckType:      typ,
		Reachable:      reachable,
		ResponseTimeMs: responseMs,
		Metrics:        reported,
		LastSeenAt:     lastSeen,
		CheckedAt:      now,
	}
	switch {
	case reachable:
		base := 100
		if st.hasSelf {
			base = st.selfScore
		}
		r.HealthScore = Score(base, responseMs, m.opts.TimeoutThreshold)
	case st.last != nil:
		r.HealthScore = st.last.HealthScore
	default:
		r.HealthScore = n.HealthScore
	}
	r.Status = Evaluate(r, m.opts.OfflineThreshold)
	r.Issues, r.Recommendations = m.diagnose(r, reason)

	prev := st.last
	specs := m.transitions(prev, r, st.trimErrors(now, m.opts.ErrorWindow))
	st.last = &r
	st.history = append(st.history, r)
	st.trimHistory(now.Add(-m.opts.Retention))
	st.mu.Unlock()

	if err := m.records.CreateHealthCheck(ctx, r); err != nil {
		m.log.Warn().Err(err).Str("neuron_id", n.ID).Msg("persist health check")
	}
	m.metrics.ObserveHealthCheck(r)
	m.applyStatus(ctx, n, r)
	for _, s := range specs {
		m.Raise(ctx, s)
	}

	m.log.Debug().
		Str("neuron_id", n.ID).
		Str("check", string(typ)).
		Str("status", string(r.Status)).
		Int("score", r.HealthScore).
		Float64("response_ms", responseMs).
		Msg("health check")
	return r
}

func (m *Monitor) diagnose(r model.HealthCheckResult, reason string) ([]string, []string) {
	var issues, recs []string
	limit := float64(m.opts.TimeoutThreshold.Milliseconds())
	if !r.Reachable {
		issues = append(issues, "unreachable: "+reason)
		recs = append(recs, "verify the neuron process is running and its session is open")
		return issues, recs
	}
	if r.ResponseTimeMs > limit {
		issues = append(issues, fmt.Sprintf("response time %.0fms exceeds %.0fms", r.ResponseTimeMs, limit))
		recs = append(recs, "investigate neuron load or network latency")
	} else if r.ResponseTimeMs > limit/2 {
		issues = append(issues, fmt.Sprintf("slow response %.0fms", r.ResponseTimeMs))
	}
	if errRate, ok := r.Metrics["error_rate"]; ok && errRate > 0.05 {
		issues = append(issues, fmt.Sprintf("error rate %.2f", errRate))
		recs = append(recs, "inspect neuron error logs")
	}
	if r.HealthScore < WarningScore {
		recs = append(recs, "consider a hot reload or restart")
	}
	return issues, recs
}

// transitions compares cur with the neuron's previous check.
func (m *Monitor) transitions(prev *model.HealthCheckResult, cur model.HealthCheckResult, errCount int) []failures.Spec {
	var specs []failures.Spec
	id := cur.NeuronID

	wentDark := prev != nil && prev.Reachable && !cur.Reachable
	wentOffline := cur.Status == model.HealthOffline && (prev == nil || prev.Status != model.HealthOffline)
	if wentDark || wentOffline {
		specs = append(specs, failures.Spec{
			NeuronID: id,
			Type:     model.FailureOffline,
			Severity: model.SeverityHigh,
			Message:  fmt.Sprintf("neuron unreachable since %s", cur.LastSeenAt.Format(time.RFC3339)),
		})
	}
	if prev != nil && prev.HealthScore-cur.HealthScore > DegradedDrop {
		specs = append(specs, failures.Spec{
			NeuronID: id,
			Type:     model.FailureHealthDegraded,
			Severity: DegradedSeverity(cur.HealthScore),
			Message:  fmt.Sprintf("health score dropped from %d to %d", prev.HealthScore, cur.HealthScore),
		})
	}
	if cur.Reachable && cur.ResponseTimeMs > float64(m.opts.TimeoutThreshold.Milliseconds()) {
		specs = append(specs, failures.Spec{
			NeuronID: id,
			Type:     model.FailureTimeout,
			Severity: model.SeverityHigh,
			Message:  fmt.Sprintf("response time %.0fms exceeds %s", cur.ResponseTimeMs, m.opts.TimeoutThreshold),
		})
	}
	if errCount > m.opts.ErrorThreshold {
		specs = append(specs, failures.Spec{
			NeuronID: id,
			Type:     model.FailureAnalytics,
			Severity: model.SeverityHigh,
			Message:  fmt.Sprintf("%d errors within %s", errCount, m.opts.ErrorWindow),
		})
	}
	return specs
}

// Raise records the failure and escalates it to recovery when it is new and
// high or critical. It never blocks; a dropped escalation is picked up from
// the ledger on recovery's next tick.
func (m *Monitor) Raise(ctx context.Context, s failures.Spec) {
	f, created := m.ledger.Raise(s)
	if !created {
		return
	}
	m.metrics.ObserveFailure(f)
	m.events.Append(ctx, eventlog.Entry{
		NeuronID:    f.NeuronID,
		EventType:   eventlog.FailureDetected,
		InitiatedBy: "health",
		Success:     true,
		Payload: map[string]any{
			"failureId": f.ID,
			"type":      string(f.Type),
			"severity":  string(f.Severity),
			"message":   f.Message,
		},
	})
	m.log.Warn().
		Str("neuron_id", f.NeuronID).
		Str("type", string(f.Type)).
		Str("severity", string(f.Severity)).
		Msg(f.Message)

	if !f.Severity.Escalates() {
		return
	}
	select {
	case m.escalate <- f.NeuronID:
	default:
		m.log.Warn().Str("neuron_id", f.NeuronID).Msg("escalation queue full, left for the next recovery sweep")
	}
}

// applyStatus moves the neuron between active and inactive to follow its
// health, and records its score.
func (m *Monitor) applyStatus(ctx context.Context, n model.Neuron, r model.HealthCheckResult) {
	u := registry.Update{By: "health"}
	if r.HealthScore != n.HealthScore {
		score := r.HealthScore
		u.HealthScore = &score
	}
	switch {
	case r.Status == model.HealthOffline && n.Status == model.NeuronActive:
		s := model.NeuronInactive
		u.Status = &s
	case r.Reachable && (n.Status == model.NeuronPending || n.Status == model.NeuronInactive):
		s := model.NeuronActive
		u.Status = &s
	}
	if r.Reachable {
		at := r.CheckedAt
		u.LastCheckIn = &at
	}
	if u.Status == nil && u.HealthScore == nil && u.LastCheckIn == nil {
		return
	}
	if _, err := m.neurons.UpdateStatus(ctx, n.ID, u); err != nil && !errors.Is(err, registry.ErrRetired) {
		m.log.Warn().Err(err).Str("neuron_id", n.ID).Msg("update neuron health")
	}
}

func (m *Monitor) refreshGauge(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	all, err := m.neurons.List(ctx, registry.Filter{IncludeRetired: true})
	if err != nil {
		return
	}
	counts := make(map[model.NeuronStatus]int)
	for _, n := range all {
		counts[n.Status]++
	}
	m.metrics.SetNeurons(counts)
}

type pruner interface {
	PruneHealthChecks(cutoff time.Time) int
}

// prune drops state for checks older than the retention window.
func (m *Monitor) prune(now time.Time) {
	cutoff := now.Add(-m.opts.Retention)
	m.mu.Lock()
	states := make([]*neuronState, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		st.trimHistory(cutoff)
		st.mu.Unlock()
	}
	if p, ok := m.records.(pruner); ok {
		if n := p.PruneHealthChecks(cutoff); n > 0 {
			m.log.Debug().Int("dropped", n).Msg("pruned health checks")
		}
	}
}

func (m *Monitor) state(id string) *neuronState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		st = &neuronState{}
		m.states[id] = st
	}
	return st
}

func (m *Monitor) lookup(id string) *neuronState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

func (st *neuronState) trimHistory(cutoff time.Time) {
	i := 0
	for i < len(st.history) && st.history[i].CheckedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.history = append([]model.HealthCheckResult(nil), st.history[i:]...)
	}
}

func (st *neuronState) trimErrors(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	i := 0
	for i < len(st.errors) && st.errors[i].Before(cutoff) {
		i++
	}
	st.errors = st.errors[i:]
	return len(st.errors)
}
