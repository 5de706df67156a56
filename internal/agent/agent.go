// Package agent is the reference neuron: it holds a websocket session to
// the control plane, registers, answers pings and metrics requests, and
// applies config updates and hot reloads through pluggable handlers.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"neuronctl/internal/config"
	"neuronctl/internal/registry"
	"neuronctl/internal/transport"
)

const (
	writeWait  = 10 * time.Second
	maxBackoff = 60 * time.Second
)

// Handlers customize how the neuron reacts to control-plane pushes. Nil
// handlers accept everything.
type Handlers struct {
	ApplyConfig func(ctx context.Context, key string, value json.RawMessage, version int64) error
	HotReload   func(ctx context.Context, msg transport.Message) error
	Advisory    func(msg transport.Message)
}

// Applied is a config value the neuron currently runs with.
type Applied struct {
	Version int64           `json:"version"`
	Value   json.RawMessage `json:"value"`
}

// Agent is safe for concurrent use.
type Agent struct {
	cfg      config.NeuronConfig
	handlers Handlers
	log      zerolog.Logger
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
	started  time.Time

	mu         sync.Mutex
	token      string
	endpoint   string
	registered bool
	configs    map[string]Applied
	requests   int
	failures   int
	reloads    int
}

// New returns an agent for cfg. Call config.ApplyDefaults first.
func New(cfg config.NeuronConfig, handlers Handlers, logger zerolog.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		handlers: handlers,
		log:      logger.With().Str("component", "agent").Str("neuron_id", cfg.ID).Logger(),
		dialer:   websocket.DefaultDialer,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		started:  time.Now(),
		configs:  make(map[string]Applied),
	}
}

// Run keeps a session to the control plane open until ctx is done,
// reconnecting with exponential backoff. When Address is set the agent
// also accepts control-plane dials on /ws.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.Address != "" {
		srv := &http.Server{Addr: listenAddr(a.cfg.Address), Handler: a.Handler()}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error().Err(err).Str("addr", srv.Addr).Msg("neuron listener stopped")
			}
		}()
	}

	base := config.Seconds(a.cfg.ReconnectSec)
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for {
		registered, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			delay = base
		}
		a.log.Warn().Err(err).Dur("retry_in", delay).Msg("control plane session lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
}

// Handler serves control-plane dials on /ws.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := a.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &conn{ws: ws}
		_ = a.serve(r.Context(), c)
	})
	return mux
}

// Token returns the access token from the last registration.
func (a *Agent) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// Endpoint returns the control-plane endpoint advertised at registration.
func (a *Agent) Endpoint() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endpoint
}

// Registered reports whether the current session was acknowledged.
func (a *Agent) Registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

// Config returns the applied value for key.
func (a *Agent) Config(key string) (Applied, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.configs[key]
	return v, ok
}

// Metrics is the self-report answered to metrics_request frames.
func (a *Agent) Metrics() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	errRate := 0.0
	if a.requests > 0 {
		errRate = float64(a.failures) / float64(a.requests)
	}
	score := 100 - errRate*100
	if score < 0 {
		score = 0
	}
	return map[string]float64{
		"health_score": score,
		"error_rate":   errRate,
		"requests":     float64(a.requests),
		"configs":      float64(len(a.configs)),
		"reloads":      float64(a.reloads),
		"uptime_sec":   time.Since(a.started).Seconds(),
	}
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(msg transport.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (a *Agent) registration() registry.Registration {
	return registry.Registration{
		NeuronID:     a.cfg.ID,
		Name:         a.cfg.Name,
		Type:         a.cfg.Type,
		Address:      a.cfg.Address,
		Capabilities: a.cfg.Capabilities,
		Version:      a.cfg.Version,
		Environment:  a.cfg.Environment,
		Metadata:     a.cfg.Metadata,
	}
}

// session runs one control-plane connection and reports whether it got
// as far as a registration reply.
func (a *Agent) session(ctx context.Context) (bool, error) {
	ws, _, err := a.dialer.DialContext(ctx, transport.WebsocketURL(a.cfg.ControlPlane), nil)
	if err != nil {
		return false, fmt.Errorf("dial control plane: %w", err)
	}
	c := &conn{ws: ws}

	a.mu.Lock()
	a.registered = false
	a.mu.Unlock()

	payload, err := json.Marshal(a.registration())
	if err != nil {
		ws.Close()
		return false, err
	}
	if err := c.write(transport.Message{
		Type:      transport.TypeRegister,
		MessageID: uuid.NewString(),
		NeuronID:  a.cfg.ID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		ws.Close()
		return false, fmt.Errorf("send register: %w", err)
	}
	a.log.Info().Str("control_plane", a.cfg.ControlPlane).Msg("connected")

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sctx.Done()
		_ = ws.Close()
	}()
	go a.reportStatus(sctx, c)

	err = a.serve(sctx, c)
	return a.Registered(), err
}

func (a *Agent) reportStatus(ctx context.Context, c *conn) {
	interval := config.Seconds(a.cfg.StatusIntervalSec)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.Registered() {
				continue
			}
			if err := c.write(transport.Message{
				Type:      transport.TypeStatusUpdate,
				NeuronID:  a.cfg.ID,
				Status:    "ok",
				Metrics:   a.Metrics(),
				Timestamp: time.Now().UTC(),
			}); err != nil {
				return
			}
		}
	}
}

// serve reads frames until the connection fails. Handlers run off the
// read loop so a slow apply never stalls pings.
func (a *Agent) serve(ctx context.Context, c *conn) error {
	defer c.ws.Close()
	for {
		var msg transport.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case transport.TypePing:
			if err := c.write(transport.Message{Type: transport.TypePong, ReplyTo: msg.MessageID, NeuronID: a.cfg.ID}); err != nil {
				return err
			}
		case transport.TypePong:
		case transport.TypeRegistered:
			a.applyRegistration(ctx, msg)
		case transport.TypeMetricsRequest:
			if err := c.write(transport.Message{
				Type:      transport.TypeMetrics,
				ReplyTo:   msg.MessageID,
				NeuronID:  a.cfg.ID,
				Metrics:   a.Metrics(),
				Timestamp: time.Now().UTC(),
			}); err != nil {
				return err
			}
		case transport.TypeConfigUpdate, transport.TypeHotReload:
			go a.apply(ctx, c, msg)
		case transport.TypeAdvisory:
			a.log.Warn().Str("status", msg.Status).Str("detail", msg.Error).Msg("advisory received")
			if a.handlers.Advisory != nil {
				a.handlers.Advisory(msg)
			}
		case transport.TypeErrorReport:
			a.log.Error().Str("error", msg.Error).Msg("control plane rejected frame")
		default:
			a.log.Debug().Str("type", string(msg.Type)).Msg("unhandled frame")
		}
	}
}

func (a *Agent) applyRegistration(ctx context.Context, msg transport.Message) {
	if msg.Error != "" {
		a.log.Error().Str("error", msg.Error).Msg("registration rejected")
		return
	}
	var reg registry.Registered
	if err := json.Unmarshal(msg.Payload, &reg); err != nil {
		a.log.Error().Err(err).Msg("decode registration reply")
		return
	}

	a.mu.Lock()
	a.registered = true
	a.token = reg.AccessToken
	a.endpoint = reg.InitialConfig.Endpoint
	a.mu.Unlock()

	for key, value := range reg.InitialConfig.Configs {
		if err := a.applyConfig(ctx, key, value, reg.InitialConfig.Versions[key]); err != nil {
			a.log.Error().Err(err).Str("config_key", key).Msg("initial config rejected")
		}
	}
	a.log.Info().Str("status", string(reg.Neuron.Status)).Bool("reachable", reg.Reachable).
		Str("control_plane_nat", reg.InitialConfig.NATType).Int("configs", len(reg.InitialConfig.Configs)).Msg("registered")
}

func (a *Agent) apply(ctx context.Context, c *conn, msg transport.Message) {
	var err error
	switch msg.Type {
	case transport.TypeConfigUpdate:
		err = a.applyConfig(ctx, msg.ConfigKey, msg.ConfigValue, msg.Version)
	case transport.TypeHotReload:
		err = a.hotReload(ctx, msg)
	}

	a.mu.Lock()
	a.requests++
	if err != nil {
		a.failures++
	}
	a.mu.Unlock()

	ack := transport.Message{
		Type:      transport.TypeAck,
		ReplyTo:   msg.MessageID,
		NeuronID:  a.cfg.ID,
		ConfigKey: msg.ConfigKey,
		Version:   msg.Version,
		ReloadID:  msg.ReloadID,
		Status:    "applied",
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		ack.Status = "failed"
		ack.Error = err.Error()
		a.log.Error().Err(err).Str("type", string(msg.Type)).Msg("apply failed")
	}
	if werr := c.write(ack); werr != nil {
		a.log.Debug().Err(werr).Msg("ack not delivered")
		return
	}
	if err != nil {
		_ = c.write(transport.Message{
			Type:      transport.TypeErrorReport,
			NeuronID:  a.cfg.ID,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
	}
}

func (a *Agent) applyConfig(ctx context.Context, key string, value json.RawMessage, version int64) error {
	if key == "" {
		return fmt.Errorf("config update without key")
	}
	if a.handlers.ApplyConfig != nil {
		if err := a.handlers.ApplyConfig(ctx, key, value, version); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.configs[key] = Applied{Version: version, Value: append(json.RawMessage(nil), value...)}
	snapshot := a.snapshotLocked()
	a.mu.Unlock()

	if a.cfg.ConfigPath != "" {
		if err := writeConfigs(a.cfg.ConfigPath, snapshot); err != nil {
			a.log.Warn().Err(err).Str("path", a.cfg.ConfigPath).Msg("persist configs failed")
		}
	}
	a.log.Info().Str("config_key", key).Int64("version", version).Msg("config applied")
	return nil
}

func (a *Agent) hotReload(ctx context.Context, msg transport.Message) error {
	if a.handlers.HotReload != nil {
		if err := a.handlers.HotReload(ctx, msg); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.reloads++
	a.mu.Unlock()
	a.log.Info().Str("reload_id", msg.ReloadID).Str("sync_type", msg.SyncType).Str("status", msg.Status).Msg("hot reload applied")
	return nil
}

type persisted struct {
	Version int64  `yaml:"version"`
	Value   string `yaml:"value"`
}

func (a *Agent) snapshotLocked() map[string]persisted {
	out := make(map[string]persisted, len(a.configs))
	for k, v := range a.configs {
		out[k] = persisted{Version: v.Version, Value: string(v.Value)}
	}
	return out
}

func writeConfigs(path string, configs map[string]persisted) error {
	data, err := yaml.Marshal(configs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadConfigs reads the applied configs persisted at path.
func LoadConfigs(path string) (map[string]Applied, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]persisted
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]Applied, len(raw))
	for k, v := range raw {
		out[k] = Applied{Version: v.Version, Value: json.RawMessage(v.Value)}
	}
	return out, nil
}

// listenAddr turns an advertised address into a local listen address.
func listenAddr(address string) string {
	addr := address
	for _, prefix := range []string{"ws://", "wss://", "http://", "https://"} {
		addr = strings.TrimPrefix(addr, prefix)
	}
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	if _, port, err := net.SplitHostPort(addr); err == nil {
		return ":" + port
	}
	return addr
}
