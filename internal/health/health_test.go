package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuronctl/internal/eventlog"
	"neuronctl/internal/failures"
	"neuronctl/internal/lock"
	"neuronctl/internal/model"
	"neuronctl/internal/registry"
	"neuronctl/internal/store"
	"neuronctl/internal/transport/transporttest"
)

type fixture struct {
	mon     *Monitor
	reg     *registry.Registry
	fake    *transporttest.Fake
	ledger  *failures.Ledger
	records store.Records
	events  *store.Memory
	clock   *time.Time
}

func newFixture(t *testing.T, records store.Records, opts Options) *fixture {
	t.Helper()
	if records == nil {
		records = store.NewMemory()
	}
	events := store.NewMemory()
	log, err := eventlog.New(context.Background(), events, zerolog.Nop())
	require.NoError(t, err)
	fake := transporttest.New()
	reg := registry.New(records, lock.NewLocal(), fake, nil, log, nil, zerolog.Nop(), registry.Options{})
	ledger := failures.NewLedger(3)
	mon := New(reg, fake, records, ledger, log, nil, zerolog.Nop(), opts)

	now := time.Now().Add(time.Second)
	f := &fixture{mon: mon, reg: reg, fake: fake, ledger: ledger, records: records, events: events, clock: &now}
	mon.now = func() time.Time { return *f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) register(t *testing.T, id string, b transporttest.Behavior) {
	t.Helper()
	f.fake.Add(id, b)
	_, err := f.reg.Register(context.Background(), registry.Registration{NeuronID: id, Name: id, Type: "quiz"})
	require.NoError(t, err)
}

func escalated(m *Monitor) []string {
	var ids []string
	for {
		select {
		case id := <-m.Failures():
			ids = append(ids, id)
		default:
			return ids
		}
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		r    model.HealthCheckResult
		want model.HealthStatus
	}{
		{"healthy", model.HealthCheckResult{Reachable: true, HealthScore: 80}, model.HealthHealthy},
		{"warning", model.HealthCheckResult{Reachable: true, HealthScore: 79}, model.HealthWarning},
		{"warning floor", model.HealthCheckResult{Reachable: true, HealthScore: 60}, model.HealthWarning},
		{"critical score", model.HealthCheckResult{Reachable: true, HealthScore: 59}, model.HealthCritical},
		{"unreachable recent", model.HealthCheckResult{HealthScore: 100, CheckedAt: at, LastSeenAt: at.Add(-60 * time.Second)}, model.HealthCritical},
		{"unreachable at threshold", model.HealthCheckResult{CheckedAt: at, LastSeenAt: at.Add(-120 * time.Second)}, model.HealthCritical},
		{"offline", model.HealthCheckResult{HealthScore: 100, CheckedAt: at, LastSeenAt: at.Add(-130 * time.Second)}, model.HealthOffline},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Evaluate(tc.r, 120*time.Second), tc.name)
		assert.Equal(t, Evaluate(tc.r, 120*time.Second), Evaluate(tc.r, 120*time.Second), tc.name)
	}
}

func TestScore(t *testing.T) {
	t.Parallel()

	timeout := 5 * time.Second
	assert.Equal(t, 100, Score(100, 1000, timeout))
	assert.Equal(t, 100, Score(100, 2500, timeout))
	assert.Equal(t, 80, Score(100, 3000, timeout))
	assert.Equal(t, 60, Score(100, 6000, timeout))
	assert.Equal(t, 0, Score(30, 6000, timeout))
	assert.Equal(t, 100, Score(140, 0, timeout))
}

func TestDegradedSeverity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, model.SeverityCritical, DegradedSeverity(39))
	assert.Equal(t, model.SeverityHigh, DegradedSeverity(40))
	assert.Equal(t, model.SeverityHigh, DegradedSeverity(59))
	assert.Equal(t, model.SeverityMedium, DegradedSeverity(60))
	assert.Equal(t, model.SeverityLow, DegradedSeverity(80))
}

func TestCheck_OfflineAfterThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, Options{})
	f.register(t, "n1", transporttest.Behavior{Latency: 5 * time.Millisecond})

	first, err := f.mon.CheckNow(ctx, "n1", model.CheckHeartbeat)
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, first.Status)
	assert.Empty(t, escalated(f.mon))

	f.fake.Disconnect("n1")
	f.advance(130 * time.Second)

	r, err := f.mon.CheckNow(ctx, "n1", model.CheckHeartbeat)
	require.NoError(t, err)
	assert.Equal(t, model.HealthOffline, r.Status)
	assert.False(t, r.Reachable)
	assert.Equal(t, first.HealthScore, r.HealthScore)

	open := f.ledger.Unrecovered("n1")
	require.Len(t, open, 1)
	assert.Equal(t, model.FailureOffline, open[0].Type)
	assert.Equal(t, model.SeverityHigh, open[0].Severity)
	assert.Equal(t, []string{"n1"}, escalated(f.mon))

	n, err := f.reg.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.NeuronInactive, n.Status)

	evs, err := f.events.ListFederationEvents(ctx, store.EventFilter{EventType: eventlog.FailureDetected})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "offline", evs[0].Payload["type"])
}

func TestCheck_OutageAfterExhaustedOutageIsRaisedAgain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, Options{})
	f.register(t, "n1", transporttest.Behavior{})
	_, err := f.mon.CheckNow(ctx, "n1", model.CheckHeartbeat)
	require.NoError(t, err)

	f.fake.Disconnect("n1")
	f.advance(130 * time.Second)
	_, err = f.mon.CheckNow(ctx, "n1", model.CheckHeartbeat)
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, escalated(f.mon))
	first := f.ledger.Unrecovered("n1")
	require.Len(t, first, 1)
	for i := 0; i < f.ledger.MaxAttempts(); i++ {
		_, err := f.ledger.BeginAttempt(first[0].ID)
		require.NoError(t, err)
	}

	f.fake.Add("n1", transporttest.Behavior{})
	f.advance(time.Second)
	back, err := f.mon.CheckNow(ctx, "n1", model.CheckHeartbeat)
	require.NoError(t, err)
	require.True(t, back.Reachable)

	f.fake.Disconnect("n1")
	f.advance(130 * time.Second)
	r, err := f.mon.CheckNow(ctx, "n1", model.CheckHeartbeat)
	require.NoError(t, err)
	assert.Equal(t, model.HealthOffline, r.Status)
	assert.Equal(t, []string{"n1"}, escalated(f.mon))

	actionable := f.ledger.Actionable("n1")
	require.Len(t, actionable, 1)
	assert.NotEqual(t, first[0].ID, actionable[0].ID)
	assert.Len(t, f.ledger.Exhausted(), 1)
}

func TestRaise_DoesNotBlockOnFullEscalationQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, Options{})
	for i := 0; i < cap(f.mon.escalate); i++ {
		f.mon.escalate <- "filler"
	}

	done := make(chan struct{})
	go func() {
		f.mon.Raise(context.Background(), failures.Spec{NeuronID: "n1", Type: model.FailureTimeout, Severity: model.SeverityHigh})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Raise blocked on a full escalation queue")
	}
	require.Len(t, f.ledger.Actionable("n1"), 1)
	assert.Len(t, escalated(f.mon), cap(f.mon.escalate))
}

func TestCheck_UnreachableWithinThresholdIsCritical(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, Options{})
	f.register(t, "n1", transporttest.Behavior{})

	_, err := f.mon.CheckNow(ctx, "n1", model.CheckHeartbeat)
	require.NoError(t, err)

	f.fake.Set("n1", transporttest.Behavior{Fail: "timeout"})
	f.advance(30 * time.Second)
	r, err := f.mon.CheckNow(ctx, "n1", model.CheckHeartbeat)
	require.NoError(t, err)
	assert.Equal(t, model.HealthCritical, r.Status)
	assert.NotEmpty(t, r.Issues)

	// Liveness flipped, so the offline failure is raised already.
	require.Len(t, f.ledger.Unrecovered("n1"), 1)

	f.advance(120 * time.Second)
	r, err = f.mon.CheckNow(ctx, "n1", model.CheckHeartbeat)
	require.NoError(t, err)
	assert.Equal(t, model.HealthOffline, r.Status)
	assert.Len(t, f.ledger.Unrecovered("n1"), 1)
	assert.Equal(t, []string{"n1"}, escalated(f.mon))
}

func TestCheck_DeepUsesSelfReportedScore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, Options{})
	f.register(t, "n1", transporttest.Behavior{Metrics: map[string]float64{"health_score": 90, "error_rate": 0.1}})

	r, err := f.mon.CheckNow(ctx, "n1", model.CheckDeep)
	require.NoError(t, err)
	assert.Equal(t, 90, r.HealthScore)
	assert.Equal(t, model.HealthHealthy, r.Status)
	assert.Contains(t, r.Issues, "error rate 0.10")
	assert.InDelta(t, 0.1, r.Metrics["error_rate"], 1e-9)

	// Heartbeats keep the last self-reported score.
	hb, err := f.mon.CheckNow(ctx, "n1", model.CheckHeartbeat)
	require.NoError(t, err)
	assert.Equal(t, 90, hb.HealthScore)

	n, err := f.reg.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 90, n.HealthScore)

	f.fake.Set("n1", transporttest.Behavior{Metrics: map[string]float64{"health_score": 50}})
	r, err = f.mon.CheckNow(ctx, "n1", model.CheckDeep)
	require.NoError(t, err)
	assert.Equal(t, model.HealthCritical, r.Status)

	open := f.ledger.Unrecovered("n1")
	require.Len(t, open, 1)
	assert.Equal(t, model.FailureHealthDegraded, open[0].Type)
	assert.Equal(t, model.SeverityHigh, open[0].Severity)
	assert.Equal(t, []string{"n1"}, escalated(f.mon))
}

func TestCheck_SmallDegradationIsNotEscalated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, Options{})
	f.register(t, "n1", transporttest.Behavior{Metrics: map[string]float64{"health_score": 100}})

	_, err := f.mon.CheckNow(ctx, "n1", model.CheckDeep)
	require.NoError(t, err)
	f.fake.Set("n1", transporttest.Behavior{Metrics: map[string]float64{"health_score": 79}})
	_, err = f.mon.CheckNow(ctx, "n1", model.CheckDeep)
	require.NoError(t, err)

	open := f.ledger.Unrecovered("n1")
	require.Len(t, open, 1)
	assert.Equal(t, model.SeverityMedium, open[0].Severity)
	assert.Empty(t, escalated(f.mon))
}

func TestCheck_SlowResponseRaisesTimeoutOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, Options{TimeoutThreshold: 5 * time.Second, PingTimeout: 10 * time.Second})
	f.register(t, "n1", transporttest.Behavior{Latency: 6 * time.Second})

	for i := 0; i < 3; i++ {
		r, err := f.mon.CheckNow(ctx, "n1", model.CheckHeartbeat)
		require.NoError(t, err)
		assert.Equal(t, 60, r.HealthScore)
		assert.Equal(t, model.HealthWarning, r.Status)
		f.advance(30 * time.Second)
	}

	open := f.ledger.Unrecovered("n1")
	require.Len(t, open, 1)
	assert.Equal(t, model.FailureTimeout, open[0].Type)
	assert.Equal(t, []string{"n1"}, escalated(f.mon))
}

func TestRecordError_RaisesAnalyticsFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, Options{ErrorThreshold: 3, ErrorWindow: time.Minute})
	f.register(t, "n1", transporttest.Behavior{})

	for i := 0; i < 3; i++ {
		f.mon.RecordError(ctx, "n1")
	}
	assert.Empty(t, f.ledger.Unrecovered("n1"))

	// Errors outside the window are forgotten.
	f.advance(2 * time.Minute)
	assert.Equal(t, 1, f.mon.RecordError(ctx, "n1"))

	for i := 0; i < 3; i++ {
		f.mon.RecordError(ctx, "n1")
	}
	open := f.ledger.Unrecovered("n1")
	require.Len(t, open, 1)
	assert.Equal(t, model.FailureAnalytics, open[0].Type)
	assert.Equal(t, []string{"n1"}, escalated(f.mon))

	f.mon.ResetErrors("n1")
	assert.Zero(t, f.mon.ErrorCount("n1"))
}

type failingChecks struct {
	*store.Memory
}

func (failingChecks) CreateHealthCheck(context.Context, model.HealthCheckResult) error {
	return errors.New("disk full")
}

func TestCheck_PersistErrorIsSwallowed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, failingChecks{store.NewMemory()}, Options{})
	f.register(t, "n1", transporttest.Behavior{})

	r, err := f.mon.CheckNow(ctx, "n1", model.CheckHeartbeat)
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, r.Status)

	latest, ok := f.mon.Latest("n1")
	require.True(t, ok)
	assert.Equal(t, r.ID, latest.ID)
}

func TestCheck_PersistsResults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, Options{})
	f.register(t, "n1", transporttest.Behavior{})

	_, err := f.mon.CheckNow(ctx, "n1", model.CheckHeartbeat)
	require.NoError(t, err)
	_, err = f.mon.CheckNow(ctx, "n1", model.CheckDeep)
	require.NoError(t, err)

	stored, err := f.records.ListHealthChecks(ctx, "n1", time.Time{})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, model.CheckHeartbeat, stored[0].CheckType)
	assert.Equal(t, model.CheckDeep, stored[1].CheckType)
}

func TestSweep_SkipsRetired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, Options{})
	f.register(t, "a", transporttest.Behavior{})
	f.register(t, "b", transporttest.Behavior{})
	f.register(t, "c", transporttest.Behavior{})
	_, err := f.reg.Retire(ctx, "c", "ops")
	require.NoError(t, err)

	results := f.mon.Sweep(ctx, model.CheckHeartbeat)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].NeuronID)
	assert.Equal(t, "b", results[1].NeuronID)

	_, err = f.mon.CheckNow(ctx, "c", model.CheckHeartbeat)
	assert.ErrorIs(t, err, ErrRetired)
	_, ok := f.mon.Latest("c")
	assert.False(t, ok)
}

func TestSweep_PendingNeuronBecomesActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, Options{})
	records := f.records
	require.NoError(t, records.RegisterNeuron(ctx, model.Neuron{
		ID: "n1", Name: "n1", Type: "quiz", Status: model.NeuronPending, HealthScore: 100, RegisteredAt: *f.clock,
	}))
	f.fake.Add("n1", transporttest.Behavior{})

	f.mon.Sweep(ctx, model.CheckDeep)

	n, err := f.reg.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.NeuronActive, n.Status)
}

func TestHistory_RespectsRetention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, Options{Retention: time.Hour})
	f.register(t, "n1", transporttest.Behavior{})

	for i := 0; i < 3; i++ {
		_, err := f.mon.CheckNow(ctx, "n1", model.CheckHeartbeat)
		require.NoError(t, err)
		f.advance(30 * time.Minute)
	}
	f.mon.prune(*f.clock)

	// Checks at t0, t0+30m, t0+60m; at t0+90m only the last two are kept.
	assert.Len(t, f.mon.History("n1"), 2)

	stored, err := f.records.ListHealthChecks(ctx, "n1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}
