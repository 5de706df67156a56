package registry

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuronctl/internal/eventlog"
	"neuronctl/internal/lock"
	"neuronctl/internal/model"
	"neuronctl/internal/store"
	"neuronctl/internal/transport/transporttest"
)

type staticConfigs []model.ConfigVersion

func (s staticConfigs) ActiveAll() []model.ConfigVersion { return s }

type fixture struct {
	reg     *Registry
	records *store.Memory
	events  *store.Memory
	fake    *transporttest.Fake
}

func newFixture(t *testing.T, opts Options, configs ActiveConfigs) fixture {
	t.Helper()
	records := store.NewMemory()
	events := store.NewMemory()
	log, err := eventlog.New(context.Background(), events, zerolog.Nop())
	require.NoError(t, err)
	fake := transporttest.New()
	reg := New(records, lock.NewLocal(), fake, configs, log, nil, zerolog.Nop(), opts)
	return fixture{reg: reg, records: records, events: events, fake: fake}
}

func registration(id string) Registration {
	return Registration{NeuronID: id, Name: "Neuron " + id, Type: "quiz", Capabilities: []string{"timer"}}
}

func eventsOfType(t *testing.T, events *store.Memory, typ string) []model.FederationEvent {
	t.Helper()
	evs, err := events.ListFederationEvents(context.Background(), store.EventFilter{EventType: typ})
	require.NoError(t, err)
	return evs
}

func TestRegister_WithoutProbeIsActive(t *testing.T) {
	t.Parallel()

	configs := staticConfigs{{Key: "quiz.timer", Version: 3, Value: json.RawMessage(`{"seconds":30}`), IsActive: true}}
	f := newFixture(t, Options{Endpoint: func() string { return "ws://cp:8080/ws" }}, configs)

	res, err := f.reg.Register(context.Background(), registration("n1"))
	require.NoError(t, err)

	assert.Equal(t, model.NeuronActive, res.Neuron.Status)
	assert.True(t, res.Reachable)
	assert.Len(t, res.AccessToken, 64)
	assert.Equal(t, "ws://cp:8080/ws", res.InitialConfig.Endpoint)
	assert.JSONEq(t, `{"seconds":30}`, string(res.InitialConfig.Configs["quiz.timer"]))
	assert.EqualValues(t, 3, res.InitialConfig.Versions["quiz.timer"])

	stored, err := f.records.GetNeuronByID(context.Background(), "n1")
	require.NoError(t, err)
	assert.NotEqual(t, res.AccessToken, stored.TokenHash)
	assert.Equal(t, hashToken(res.AccessToken), stored.TokenHash)

	evs := eventsOfType(t, f.events, eventlog.NeuronRegistered)
	require.Len(t, evs, 1)
	assert.Equal(t, "n1", evs[0].NeuronID)
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{}, nil)
	cases := map[string]Registration{
		"missing id":   {Name: "x", Type: "quiz"},
		"missing name": {NeuronID: "n1", Type: "quiz"},
		"missing type": {NeuronID: "n1", Name: "x"},
		"bad id":       {NeuronID: "bad id/..", Name: "x", Type: "quiz"},
		"empty cap":    {NeuronID: "n1", Name: "x", Type: "quiz", Capabilities: []string{""}},
	}
	for name, reg := range cases {
		_, err := f.reg.Register(context.Background(), reg)
		assert.ErrorIs(t, err, ErrInvalid, name)
	}
	all, err := f.records.GetNeurons(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRegister_UnreachableIsPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{ProbeOnRegister: true, ProbeTimeout: 200 * time.Millisecond}, nil)

	res, err := f.reg.Register(context.Background(), registration("n1"))
	require.NoError(t, err)
	assert.Equal(t, model.NeuronPending, res.Neuron.Status)
	assert.False(t, res.Reachable)
}

func TestRegister_ProbeOverSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{ProbeOnRegister: true, ProbeTimeout: time.Second}, nil)
	f.fake.Add("n1", transporttest.Behavior{})

	res, err := f.reg.Register(context.Background(), registration("n1"))
	require.NoError(t, err)
	assert.Equal(t, model.NeuronActive, res.Neuron.Status)
	assert.Len(t, f.fake.CallsTo("n1", "ping"), 1)
}

func TestRegister_ProbeOverTCP(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	f := newFixture(t, Options{ProbeOnRegister: true, ProbeTimeout: time.Second}, nil)
	reg := registration("n1")
	reg.Address = "http://" + ln.Addr().String()

	res, err := f.reg.Register(context.Background(), reg)
	require.NoError(t, err)
	assert.Equal(t, model.NeuronActive, res.Neuron.Status)
}

func TestRegister_IdempotentAndRotatesToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{}, nil)

	first, err := f.reg.Register(ctx, registration("n1"))
	require.NoError(t, err)
	reg := registration("n1")
	reg.Version = "2.0.0"
	second, err := f.reg.Register(ctx, reg)
	require.NoError(t, err)

	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, first.Neuron.RegisteredAt, second.Neuron.RegisteredAt)
	assert.Equal(t, "2.0.0", second.Neuron.Version)
	assert.False(t, f.reg.VerifyToken(ctx, "n1", first.AccessToken))
	assert.True(t, f.reg.VerifyToken(ctx, "n1", second.AccessToken))

	all, err := f.reg.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegister_RetiredIsRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{}, nil)
	_, err := f.reg.Register(ctx, registration("n1"))
	require.NoError(t, err)
	_, err = f.reg.Retire(ctx, "n1", "ops")
	require.NoError(t, err)

	_, err = f.reg.Register(ctx, registration("n1"))
	assert.ErrorIs(t, err, ErrRetired)
}

func TestList_Filters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{}, nil)
	for _, r := range []Registration{
		{NeuronID: "a", Name: "a", Type: "quiz", Environment: "prod", Capabilities: []string{"timer"}},
		{NeuronID: "b", Name: "b", Type: "chat", Environment: "prod"},
		{NeuronID: "c", Name: "c", Type: "quiz", Environment: "dev", Capabilities: []string{"score"}},
	} {
		_, err := f.reg.Register(ctx, r)
		require.NoError(t, err)
	}
	_, err := f.reg.Retire(ctx, "c", "ops")
	require.NoError(t, err)

	ids := func(ns []model.Neuron) []string {
		out := make([]string, 0, len(ns))
		for _, n := range ns {
			out = append(out, n.ID)
		}
		return out
	}

	got, err := f.reg.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))

	got, err = f.reg.List(ctx, Filter{IncludeRetired: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))

	got, err = f.reg.List(ctx, Filter{Type: "quiz", IncludeRetired: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(got))

	got, err = f.reg.List(ctx, Filter{Capability: "timer"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got))

	got, err = f.reg.List(ctx, Filter{Environment: "prod", Status: model.NeuronActive})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))

	got, err = f.reg.List(ctx, Filter{Status: model.NeuronRetired})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(got))
}

func TestUpdateStatus_EmitsEventOnChange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{}, nil)
	_, err := f.reg.Register(ctx, registration("n1"))
	require.NoError(t, err)

	inactive := model.NeuronInactive
	score := 42
	n, err := f.reg.UpdateStatus(ctx, "n1", Update{Status: &inactive, HealthScore: &score, By: "ops"})
	require.NoError(t, err)
	assert.Equal(t, model.NeuronInactive, n.Status)
	assert.Equal(t, 42, n.HealthScore)

	_, err = f.reg.UpdateStatus(ctx, "n1", Update{Status: &inactive})
	require.NoError(t, err)

	evs := eventsOfType(t, f.events, eventlog.NeuronStatusChange)
	require.Len(t, evs, 1)
	assert.Equal(t, "ops", evs[0].InitiatedBy)
	assert.Equal(t, "active", evs[0].Payload["from"])
	assert.Equal(t, "inactive", evs[0].Payload["to"])
}

func TestUpdateStatus_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{}, nil)

	active := model.NeuronActive
	_, err := f.reg.UpdateStatus(ctx, "ghost", Update{Status: &active})
	assert.ErrorIs(t, err, ErrNotFound)

	bogus := model.NeuronStatus("sleeping")
	_, err = f.reg.UpdateStatus(ctx, "ghost", Update{Status: &bogus})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = f.reg.Register(ctx, registration("n1"))
	require.NoError(t, err)
	_, err = f.reg.Retire(ctx, "n1", "ops")
	require.NoError(t, err)
	_, err = f.reg.UpdateStatus(ctx, "n1", Update{Status: &active})
	assert.ErrorIs(t, err, ErrRetired)
}

func TestRetire_DisconnectsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{}, nil)
	f.fake.Add("n1", transporttest.Behavior{})
	res, err := f.reg.Register(ctx, registration("n1"))
	require.NoError(t, err)

	n, err := f.reg.Retire(ctx, "n1", "ops")
	require.NoError(t, err)
	assert.Equal(t, model.NeuronRetired, n.Status)
	assert.False(t, f.fake.IsConnected("n1"))
	assert.False(t, f.reg.VerifyToken(ctx, "n1", res.AccessToken))

	_, err = f.reg.Retire(ctx, "n1", "ops")
	require.NoError(t, err)
	assert.Len(t, eventsOfType(t, f.events, eventlog.NeuronRetired), 1)
}

func TestHeartbeat_UpdatesLastCheckIn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{}, nil)
	_, err := f.reg.Register(ctx, registration("n1"))
	require.NoError(t, err)

	later := time.Now().Add(time.Hour).UTC()
	f.reg.now = func() time.Time { return later }
	require.NoError(t, f.reg.Heartbeat(ctx, "n1"))

	n, err := f.reg.Get(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, n.LastCheckIn.Equal(later))

	assert.ErrorIs(t, f.reg.Heartbeat(ctx, "ghost"), ErrNotFound)
}

func TestHeartbeat_SerializedWithRetire(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{}, nil)
	_, err := f.reg.Register(ctx, registration("n1"))
	require.NoError(t, err)

	unlock, err := f.reg.locker.Lock(ctx, lockKey("n1"))
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.reg.Heartbeat(waitCtx, "n1"), context.DeadlineExceeded)
	unlock()

	_, err = f.reg.Retire(ctx, "n1", "ops")
	require.NoError(t, err)
	before, err := f.reg.Get(ctx, "n1")
	require.NoError(t, err)

	f.reg.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.ErrorIs(t, f.reg.Heartbeat(ctx, "n1"), ErrRetired)
	after, err := f.reg.Get(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, after.LastCheckIn.Equal(before.LastCheckIn))
}

func TestCountByStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Options{}, nil)
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.reg.Register(ctx, registration(id))
		require.NoError(t, err)
	}
	_, err := f.reg.Retire(ctx, "c", "ops")
	require.NoError(t, err)

	counts, err := f.reg.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.NeuronActive])
	assert.Equal(t, 1, counts[model.NeuronRetired])
}
