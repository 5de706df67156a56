package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuronctl/internal/config"
	"neuronctl/internal/model"
	"neuronctl/internal/registry"
	"neuronctl/internal/transport"
)

type controlPlane struct {
	hub *transport.Hub
	srv *httptest.Server

	mu    sync.Mutex
	regs  []registry.Registration
	other []transport.Inbound
}

func newControlPlane(t *testing.T, initial registry.InitialConfig) *controlPlane {
	t.Helper()

	cp := &controlPlane{hub: transport.NewHub(transport.Options{Logger: zerolog.Nop()})}
	cp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = cp.hub.Accept(w, r)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case in := <-cp.hub.Inbound():
				if in.Message.Type != transport.TypeRegister {
					cp.mu.Lock()
					cp.other = append(cp.other, in)
					cp.mu.Unlock()
					continue
				}
				var reg registry.Registration
				_ = json.Unmarshal(in.Message.Payload, &reg)
				cp.mu.Lock()
				cp.regs = append(cp.regs, reg)
				cp.mu.Unlock()

				payload, _ := json.Marshal(registry.Registered{
					Neuron:        model.Neuron{ID: reg.NeuronID, Status: model.NeuronActive},
					AccessToken:   "tok-" + reg.NeuronID,
					Reachable:     true,
					InitialConfig: initial,
				})
				_ = cp.hub.Notify(in.NeuronID, transport.Message{
					Type:     transport.TypeRegistered,
					ReplyTo:  in.Message.MessageID,
					NeuronID: in.NeuronID,
					Payload:  payload,
				})
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		cp.hub.Close()
		cp.srv.Close()
	})
	return cp
}

func (cp *controlPlane) registrations() []registry.Registration {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]registry.Registration(nil), cp.regs...)
}

func (cp *controlPlane) inbound(typ transport.MessageType) []transport.Inbound {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	var out []transport.Inbound
	for _, in := range cp.other {
		if in.Message.Type == typ {
			out = append(out, in)
		}
	}
	return out
}

func neuronConfig(cp *controlPlane) config.NeuronConfig {
	cfg := config.Config{Neuron: &config.NeuronConfig{
		ID:           "n1",
		ControlPlane: cp.srv.URL,
		Capabilities: []string{"inference"},
		Version:      "1.2.0",
		ReconnectSec: 1,
	}}
	config.ApplyDefaults(&cfg)
	return *cfg.Neuron
}

func startAgent(t *testing.T, cfg config.NeuronConfig, h Handlers) *Agent {
	t.Helper()

	a := New(cfg, h, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, a.Registered, 5*time.Second, 10*time.Millisecond)
	return a
}

func TestAgent_RegistersAndAppliesInitialConfig(t *testing.T) {
	t.Parallel()

	cp := newControlPlane(t, registry.InitialConfig{
		Endpoint: "https://cp.example:8080",
		Configs:  map[string]json.RawMessage{"model": json.RawMessage(`{"name":"m1"}`)},
		Versions: map[string]int64{"model": 3},
	})
	cfg := neuronConfig(cp)
	cfg.ConfigPath = filepath.Join(t.TempDir(), "applied.yaml")
	a := startAgent(t, cfg, Handlers{})

	regs := cp.registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, "n1", regs[0].NeuronID)
	assert.Equal(t, "n1", regs[0].Name)
	assert.Equal(t, "worker", regs[0].Type)
	assert.Equal(t, []string{"inference"}, regs[0].Capabilities)
	require.NoError(t, regs[0].Validate())

	assert.Equal(t, "tok-n1", a.Token())
	assert.Equal(t, "https://cp.example:8080", a.Endpoint())
	applied, ok := a.Config("model")
	require.True(t, ok)
	assert.Equal(t, int64(3), applied.Version)
	assert.JSONEq(t, `{"name":"m1"}`, string(applied.Value))

	persisted, err := LoadConfigs(cfg.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, int64(3), persisted["model"].Version)
	assert.JSONEq(t, `{"name":"m1"}`, string(persisted["model"].Value))
}

func TestAgent_AnswersPingAndMetrics(t *testing.T) {
	t.Parallel()

	cp := newControlPlane(t, registry.InitialConfig{})
	startAgent(t, neuronConfig(cp), Handlers{})

	ping := cp.hub.Ping(context.Background(), "n1", 2*time.Second)
	require.True(t, ping.Success, ping.Reason)

	res := cp.hub.Send(context.Background(), "n1", transport.Message{Type: transport.TypeMetricsRequest}, 2*time.Second)
	require.True(t, res.Success, res.Reason)
	require.NotNil(t, res.Reply)
	assert.Equal(t, transport.TypeMetrics, res.Reply.Type)
	assert.Equal(t, 100.0, res.Reply.Metrics["health_score"])
	assert.Equal(t, 0.0, res.Reply.Metrics["error_rate"])
}

func TestAgent_ConfigUpdateAckAndRejection(t *testing.T) {
	t.Parallel()

	cp := newControlPlane(t, registry.InitialConfig{})
	a := startAgent(t, neuronConfig(cp), Handlers{
		ApplyConfig: func(ctx context.Context, key string, value json.RawMessage, version int64) error {
			if key == "broken" {
				return errors.New("unsupported key")
			}
			return nil
		},
	})

	res := cp.hub.Send(context.Background(), "n1", transport.Message{
		Type:        transport.TypeConfigUpdate,
		ConfigKey:   "threshold",
		ConfigValue: json.RawMessage(`0.7`),
		Version:     2,
	}, 2*time.Second)
	require.True(t, res.Success, res.Reason)
	assert.Equal(t, transport.TypeAck, res.Reply.Type)
	assert.Equal(t, "applied", res.Reply.Status)
	applied, ok := a.Config("threshold")
	require.True(t, ok)
	assert.Equal(t, int64(2), applied.Version)

	res = cp.hub.Send(context.Background(), "n1", transport.Message{
		Type:        transport.TypeConfigUpdate,
		ConfigKey:   "broken",
		ConfigValue: json.RawMessage(`1`),
		Version:     1,
	}, 2*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, transport.ReasonRejected, res.Reason)
	assert.Equal(t, "unsupported key", res.Reply.Error)
	_, ok = a.Config("broken")
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		return len(cp.inbound(transport.TypeErrorReport)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.5, a.Metrics()["error_rate"])
	assert.Equal(t, 50.0, a.Metrics()["health_score"])
}

func TestAgent_HotReloadAndAdvisory(t *testing.T) {
	t.Parallel()

	cp := newControlPlane(t, registry.InitialConfig{})
	var mu sync.Mutex
	var reloads []string
	advisories := make(chan transport.Message, 1)
	a := startAgent(t, neuronConfig(cp), Handlers{
		HotReload: func(ctx context.Context, msg transport.Message) error {
			mu.Lock()
			defer mu.Unlock()
			reloads = append(reloads, msg.Status)
			return nil
		},
		Advisory: func(msg transport.Message) { advisories <- msg },
	})

	res := cp.hub.Send(context.Background(), "n1", transport.Message{
		Type:     transport.TypeHotReload,
		ReloadID: "job-1",
		SyncType: string(model.SyncCode),
		Payload:  json.RawMessage(`{"build":"42"}`),
	}, 2*time.Second)
	require.True(t, res.Success, res.Reason)
	assert.Equal(t, "job-1", res.Reply.ReloadID)
	assert.Equal(t, 1.0, a.Metrics()["reloads"])

	require.NoError(t, cp.hub.Notify("n1", transport.Message{Type: transport.TypeAdvisory, Status: "health_degraded"}))
	select {
	case msg := <-advisories:
		assert.Equal(t, "health_degraded", msg.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("advisory not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, reloads, 1)
}

func TestAgent_SendsStatusUpdates(t *testing.T) {
	t.Parallel()

	cp := newControlPlane(t, registry.InitialConfig{})
	cfg := neuronConfig(cp)
	cfg.StatusIntervalSec = 1
	startAgent(t, cfg, Handlers{})

	require.Eventually(t, func() bool {
		return len(cp.inbound(transport.TypeStatusUpdate)) > 0
	}, 3*time.Second, 20*time.Millisecond)
	up := cp.inbound(transport.TypeStatusUpdate)[0]
	assert.Equal(t, "n1", up.NeuronID)
	assert.Equal(t, "ok", up.Message.Status)
	assert.Contains(t, up.Message.Metrics, "health_score")
}

func TestAgent_ReconnectsAfterSessionLoss(t *testing.T) {
	t.Parallel()

	cp := newControlPlane(t, registry.InitialConfig{})
	startAgent(t, neuronConfig(cp), Handlers{})

	cp.hub.Disconnect("n1")
	require.Eventually(t, func() bool {
		return len(cp.registrations()) == 2 && cp.hub.IsConnected("n1")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAgent_HandlerAcceptsControlPlaneDial(t *testing.T) {
	t.Parallel()

	a := New(config.NeuronConfig{ID: "n2"}, Handlers{}, zerolog.Nop())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	hub := transport.NewHub(transport.Options{Logger: zerolog.Nop()})
	t.Cleanup(hub.Close)
	require.NoError(t, hub.Connect(context.Background(), "n2", srv.URL+"/ws"))

	ping := hub.Ping(context.Background(), "n2", 2*time.Second)
	assert.True(t, ping.Success, ping.Reason)
}

func TestListenAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://10.0.0.5:9100":   ":9100",
		"ws://host:9200/ws":      ":9200",
		"192.168.1.20:9300":      ":9300",
		"https://neuron.example": "neuron.example",
	}
	for in, want := range cases {
		assert.Equal(t, want, listenAddr(in), in)
	}
}
