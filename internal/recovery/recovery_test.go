package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuronctl/internal/eventlog"
	"neuronctl/internal/failures"
	"neuronctl/internal/model"
	"neuronctl/internal/store"
	"neuronctl/internal/transport"
	"neuronctl/internal/transport/transporttest"
)

type stubChecker struct {
	result model.HealthCheckResult
	err    error
	resets []string
}

func (s *stubChecker) CheckNow(_ context.Context, id string, _ model.CheckType) (model.HealthCheckResult, error) {
	r := s.result
	r.NeuronID = id
	return r, s.err
}

func (s *stubChecker) ResetErrors(id string) { s.resets = append(s.resets, id) }

func (s *stubChecker) TimeoutThreshold() time.Duration { return 5 * time.Second }

type stubSyncer struct {
	sent   []model.ConfigVersion
	result transport.Result
}

func (s *stubSyncer) Redeliver(_ context.Context, _ string, v model.ConfigVersion) transport.Result {
	s.sent = append(s.sent, v)
	return s.result
}

type stubConfigs map[string]model.ConfigVersion

func (s stubConfigs) Active(key string) (model.ConfigVersion, bool) {
	v, ok := s[key]
	return v, ok
}

type stubNeurons map[string]model.Neuron

func (s stubNeurons) Get(_ context.Context, id string) (model.Neuron, error) {
	n, ok := s[id]
	if !ok {
		return model.Neuron{}, store.ErrNotFound
	}
	return n, nil
}

type fixture struct {
	orch    *Orchestrator
	ledger  *failures.Ledger
	fake    *transporttest.Fake
	checker *stubChecker
	syncer  *stubSyncer
	events  *store.Memory
}

func newFixture(t *testing.T, neurons stubNeurons, configs stubConfigs) *fixture {
	t.Helper()
	events := store.NewMemory()
	log, err := eventlog.New(context.Background(), events, zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{
		ledger:  failures.NewLedger(3),
		fake:    transporttest.New(),
		checker: &stubChecker{result: model.HealthCheckResult{Reachable: true, ResponseTimeMs: 100}},
		syncer:  &stubSyncer{result: transport.Result{Success: true}},
		events:  events,
	}
	f.orch = New(Deps{
		Ledger:    f.ledger,
		Transport: f.fake,
		Neurons:   neurons,
		Checker:   f.checker,
		Syncer:    f.syncer,
		Configs:   configs,
		Events:    log,
		Logger:    zerolog.Nop(),
	}, Options{PingTimeout: time.Second})
	return f
}

func (f *fixture) raise(id string, typ model.FailureType) model.FailureEvent {
	ev, _ := f.ledger.Raise(failures.Spec{NeuronID: id, Type: typ, Severity: model.SeverityHigh, Message: string(typ)})
	return ev
}

func TestEnqueue_IsASet(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	assert.True(t, f.orch.Enqueue("n1"))
	assert.False(t, f.orch.Enqueue("n1"))
	assert.True(t, f.orch.Enqueue("n0"))
	assert.Equal(t, []string{"n0", "n1"}, f.orch.Queued())
}

func TestProcessOnce_OfflineRecoversByPing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.fake.Add("n1", transporttest.Behavior{})
	fe := f.raise("n1", model.FailureOffline)
	f.orch.Enqueue("n1")

	attempts := f.orch.ProcessOnce(ctx)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Recovered)
	assert.Equal(t, 1, attempts[0].Attempt)

	got, err := f.ledger.Get(fe.ID)
	require.NoError(t, err)
	assert.True(t, got.Recovered)
	assert.Equal(t, 1, got.RecoveryAttempts)
	assert.Empty(t, f.orch.Queued())
	assert.Len(t, f.fake.CallsTo("n1", transport.TypePing), 1)

	evs, err := f.events.ListFederationEvents(ctx, store.EventFilter{EventType: eventlog.RecoveryAttempt})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Success)
}

func TestProcessOnce_OfflineReconnectsByAddress(t *testing.T) {
	t.Parallel()

	f := newFixture(t, stubNeurons{"n1": {ID: "n1", Address: "http://10.0.0.5:9000"}}, nil)
	f.fake.AllowDial("n1", transporttest.Behavior{})
	f.raise("n1", model.FailureOffline)
	f.orch.Enqueue("n1")

	attempts := f.orch.ProcessOnce(context.Background())
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Recovered)
	assert.True(t, f.fake.IsConnected("n1"))
}

func TestProcessOnce_ExhaustsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, stubNeurons{"n1": {ID: "n1"}}, nil)
	fe := f.raise("n1", model.FailureOffline)
	f.orch.Enqueue("n1")

	for i := 1; i <= 3; i++ {
		attempts := f.orch.ProcessOnce(ctx)
		require.Len(t, attempts, 1, "tick %d", i)
		assert.False(t, attempts[0].Recovered)
		assert.Equal(t, i, attempts[0].Attempt)
	}
	assert.Empty(t, f.orch.Queued())

	// Re-queueing an exhausted neuron runs nothing.
	f.orch.Enqueue("n1")
	assert.Empty(t, f.orch.ProcessOnce(ctx))

	got, err := f.ledger.Get(fe.ID)
	require.NoError(t, err)
	assert.False(t, got.Recovered)
	assert.Equal(t, 3, got.RecoveryAttempts)
	assert.Len(t, f.ledger.Exhausted(), 1)

	evs, err := f.events.ListFederationEvents(ctx, store.EventFilter{EventType: eventlog.RecoveryExhausted})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestProcessOnce_KeepsNeuronQueuedWhileActionable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, stubNeurons{"n1": {ID: "n1"}}, nil)
	f.raise("n1", model.FailureOffline)
	f.orch.Enqueue("n1")

	f.orch.ProcessOnce(context.Background())
	assert.Equal(t, []string{"n1"}, f.orch.Queued())
}

func TestProcessOnce_ConfigFailureRedeliversActiveVersion(t *testing.T) {
	t.Parallel()

	active := model.ConfigVersion{Key: "theme", Version: 4, Value: json.RawMessage(`{"color":"blue"}`), IsActive: true}
	f := newFixture(t, nil, stubConfigs{"theme": active})
	fe, _ := f.ledger.Raise(failures.Spec{NeuronID: "n2", Type: model.FailureConfig, Severity: model.SeverityHigh, ConfigKey: "theme"})
	f.orch.Enqueue("n2")

	attempts := f.orch.ProcessOnce(context.Background())
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Recovered)
	require.Len(t, f.syncer.sent, 1)
	assert.EqualValues(t, 4, f.syncer.sent[0].Version)

	got, err := f.ledger.Get(fe.ID)
	require.NoError(t, err)
	assert.True(t, got.Recovered)
}

func TestProcessOnce_ConfigFailureWithoutActiveVersion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, stubConfigs{})
	f.ledger.Raise(failures.Spec{NeuronID: "n2", Type: model.FailureConfig, Severity: model.SeverityHigh, ConfigKey: "theme"})
	f.orch.Enqueue("n2")

	attempts := f.orch.ProcessOnce(context.Background())
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Recovered)
	assert.Empty(t, f.syncer.sent)
}

func TestProcessOnce_DegradedSendsAdvisory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.fake.Add("n1", transporttest.Behavior{})
	f.raise("n1", model.FailureHealthDegraded)
	f.orch.Enqueue("n1")

	attempts := f.orch.ProcessOnce(context.Background())
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Recovered)

	calls := f.fake.CallsTo("n1", transport.TypeAdvisory)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Notify)
	assert.Equal(t, "health_degraded", calls[0].Message.Status)
}

func TestProcessOnce_TimeoutNeedsFastRecheck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.checker.result = model.HealthCheckResult{Reachable: true, ResponseTimeMs: 10000}
	f.raise("n1", model.FailureTimeout)
	f.orch.Enqueue("n1")

	attempts := f.orch.ProcessOnce(ctx)
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Recovered)

	f.checker.result = model.HealthCheckResult{Reachable: true, ResponseTimeMs: 9999}
	attempts = f.orch.ProcessOnce(ctx)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Recovered)
	assert.Empty(t, f.orch.Queued())
}

func TestProcessOnce_TimeoutRecheckError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.checker.err = errors.New("neuron is retired")
	f.raise("n1", model.FailureTimeout)
	f.orch.Enqueue("n1")

	attempts := f.orch.ProcessOnce(context.Background())
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Recovered)
	assert.Contains(t, attempts[0].Detail, "retired")
}

func TestProcessOnce_AnalyticsResetsCounter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.raise("n1", model.FailureAnalytics)
	f.orch.Enqueue("n1")

	attempts := f.orch.ProcessOnce(context.Background())
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Recovered)
	assert.Equal(t, []string{"n1"}, f.checker.resets)
}

func TestForceRecovery_NoFailuresIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.fake.Add("n3", transporttest.Behavior{})

	attempts := f.orch.ForceRecovery(ctx, "n3")
	assert.Empty(t, attempts)
	assert.Empty(t, f.fake.Calls(""))
	assert.Empty(t, f.checker.resets)

	evs, err := f.events.ListFederationEvents(ctx, store.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestForceRecovery_BypassesQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.fake.Add("n1", transporttest.Behavior{})
	f.raise("n1", model.FailureOffline)

	attempts := f.orch.ForceRecovery(context.Background(), "n1")
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Recovered)
}

func TestRun_ConsumesEscalations(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.orch.opts.Interval = 10 * time.Millisecond
	f.fake.Add("n1", transporttest.Behavior{})
	fe := f.raise("n1", model.FailureOffline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	escalations := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx, escalations) }()

	escalations <- "n1"
	require.Eventually(t, func() bool {
		got, err := f.ledger.Get(fe.ID)
		return err == nil && got.Recovered
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_QueuesEscalatingFailuresFromLedger(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.orch.opts.Interval = 10 * time.Millisecond
	f.fake.Add("n1", transporttest.Behavior{})
	f.fake.Add("n2", transporttest.Behavior{})
	fe := f.raise("n1", model.FailureOffline)
	low, _ := f.ledger.Raise(failures.Spec{NeuronID: "n2", Type: model.FailureHealthDegraded, Severity: model.SeverityMedium})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx, make(chan string)) }()

	require.Eventually(t, func() bool {
		got, err := f.ledger.Get(fe.ID)
		return err == nil && got.Recovered
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	got, err := f.ledger.Get(low.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RecoveryAttempts)
}
