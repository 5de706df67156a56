// Package registry owns neuron identity and lifecycle: registration,
// status updates, check-ins and retirement.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"neuronctl/internal/eventlog"
	"neuronctl/internal/lock"
	"neuronctl/internal/metrics"
	"neuronctl/internal/model"
	"neuronctl/internal/netprobe"
	"neuronctl/internal/store"
	"neuronctl/internal/transport"
)

var (
	ErrInvalid  = errors.New("invalid registration")
	ErrRetired  = errors.New("neuron is retired")
	ErrNotFound = store.ErrNotFound
)

// Registration is what a neuron declares about itself.
type Registration struct {
	NeuronID     string         `json:"neuronId" validate:"required,max=128,neuronid"`
	Name         string         `json:"name" validate:"required,max=256"`
	Type         string         `json:"type" validate:"required,max=64"`
	Address      string         `json:"address,omitempty" validate:"omitempty,max=512"`
	Capabilities []string       `json:"capabilities,omitempty" validate:"max=64,dive,required,max=64"`
	Version      string         `json:"version,omitempty" validate:"max=64"`
	Environment  string         `json:"environment,omitempty" validate:"max=64"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// InitialConfig is handed to a neuron on registration.
type InitialConfig struct {
	Endpoint string                     `json:"endpoint,omitempty"`
	NATType  string                     `json:"natType,omitempty"`
	Configs  map[string]json.RawMessage `json:"configs"`
	Versions map[string]int64           `json:"versions"`
}

// Registered is the result of a successful registration. AccessToken is only
// ever returned here; the registry keeps its hash.
type Registered struct {
	Neuron        model.Neuron  `json:"neuron"`
	AccessToken   string        `json:"accessToken"`
	Reachable     bool          `json:"reachable"`
	InitialConfig InitialConfig `json:"initialConfig"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status         model.NeuronStatus
	Type           string
	Capability     string
	Environment    string
	IncludeRetired bool
}

// Update carries operator or health driven changes. Nil means unchanged.
type Update struct {
	Status      *model.NeuronStatus
	HealthScore *int
	LastCheckIn *time.Time
	Metadata    map[string]any
	By          string
}

// ActiveConfigs supplies the config values sent in InitialConfig.
type ActiveConfigs interface {
	ActiveAll() []model.ConfigVersion
}

// Options configures a Registry.
type Options struct {
	ProbeOnRegister bool
	ProbeTimeout    time.Duration
	// Endpoint returns the control-plane endpoint advertised to neurons.
	Endpoint func() string
	// NATType reports the control plane's NAT as seen by STUN.
	NATType func() string
}

// Registry is safe for concurrent use. Mutations on one neuron are
// serialized through the locker.
type Registry struct {
	records   store.Records
	locker    lock.Locker
	transport transport.Sender
	configs   ActiveConfigs
	events    *eventlog.Log
	metrics   *metrics.Metrics
	log       zerolog.Logger
	opts      Options
	now       func() time.Time
}

// New wires a Registry.
func New(records store.Records, locker lock.Locker, sender transport.Sender, configs ActiveConfigs, events *eventlog.Log, m *metrics.Metrics, logger zerolog.Logger, opts Options) *Registry {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Registry{
		records:   records,
		locker:    locker,
		transport: sender,
		configs:   configs,
		events:    events,
		metrics:   m,
		log:       logger,
		opts:      opts,
		now:       time.Now,
	}
}

func lockKey(id string) string {
	return "neuron:" + id
}

// Register creates or refreshes a neuron. Registration is idempotent by ID;
// every call issues a fresh access token. A neuron that fails the
// reachability probe is stored as pending.
func (r *Registry) Register(ctx context.Context, reg Registration) (Registered, error) {
	if err := reg.Validate(); err != nil {
		r.metrics.ObserveRegistration("invalid")
		return Registered{}, err
	}

	unlock, err := r.locker.Lock(ctx, lockKey(reg.NeuronID))
	if err != nil {
		return Registered{}, fmt.Errorf("lock neuron %s: %w", reg.NeuronID, err)
	}
	defer unlock()

	existing, err := r.records.GetNeuronByID(ctx, reg.NeuronID)
	found := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Registered{}, fmt.Errorf("load neuron %s: %w", reg.NeuronID, err)
	}
	if found && existing.Status == model.NeuronRetired {
		r.metrics.ObserveRegistration("retired")
		return Registered{}, fmt.Errorf("register %s: %w", reg.NeuronID, ErrRetired)
	}

	token, hash, err := newToken()
	if err != nil {
		return Registered{}, fmt.Errorf("issue token: %w", err)
	}

	now := r.now().UTC()
	reachable := true
	if r.opts.ProbeOnRegister {
		reachable = r.probe(ctx, reg)
	}

	n := model.Neuron{
		ID:           reg.NeuronID,
		Name:         reg.Name,
		Type:         reg.Type,
		Address:      reg.Address,
		Capabilities: reg.Capabilities,
		Version:      reg.Version,
		Environment:  reg.Environment,
		Metadata:     reg.Metadata,
		Status:       model.NeuronPending,
		HealthScore:  100,
		RegisteredAt: now,
		UpdatedAt:    now,
		TokenHash:    hash,
	}
	if found {
		n.RegisteredAt = existing.RegisteredAt
		n.HealthScore = existing.HealthScore
		n.LastCheckIn = existing.LastCheckIn
	}
	if reachable {
		n.Status = model.NeuronActive
		n.LastCheckIn = now
	}

	if err := r.records.RegisterNeuron(ctx, n); err != nil {
		r.metrics.ObserveRegistration("error")
		return Registered{}, fmt.Errorf("store neuron %s: %w", n.ID, err)
	}
	r.metrics.ObserveRegistration(string(n.Status))

	r.events.Append(ctx, eventlog.Entry{
		NeuronID:    n.ID,
		EventType:   eventlog.NeuronRegistered,
		InitiatedBy: n.ID,
		Success:     true,
		Payload: map[string]any{
			"name":         n.Name,
			"type":         n.Type,
			"status":       string(n.Status),
			"reachable":    reachable,
			"reregistered": found,
		},
	})
	r.log.Info().Str("neuron_id", n.ID).Str("status", string(n.Status)).Bool("reregistered", found).Msg("neuron registered")

	return Registered{
		Neuron:        n,
		AccessToken:   token,
		Reachable:     reachable,
		InitialConfig: r.initialConfig(),
	}, nil
}

// probe pings over an existing session, else dials the declared address.
func (r *Registry) probe(ctx context.Context, reg Registration) bool {
	if r.transport != nil && r.transport.IsConnected(reg.NeuronID) {
		res := r.transport.Ping(ctx, reg.NeuronID, r.opts.ProbeTimeout)
		if !res.Success {
			r.log.Debug().Str("neuron_id", reg.NeuronID).Str("reason", res.Reason).Msg("registration ping failed")
		}
		return res.Success
	}
	if reg.Address == "" {
		return false
	}
	if _, err := netprobe.ProbeTCP(ctx, reg.Address, r.opts.ProbeTimeout); err != nil {
		r.log.Debug().Err(err).Str("neuron_id", reg.NeuronID).Str("address", reg.Address).Msg("registration probe failed")
		return false
	}
	return true
}

func (r *Registry) initialConfig() InitialConfig {
	ic := InitialConfig{
		Configs:  make(map[string]json.RawMessage),
		Versions: make(map[string]int64),
	}
	if r.opts.Endpoint != nil {
		ic.Endpoint = r.opts.Endpoint()
	}
	if r.opts.NATType != nil {
		ic.NATType = r.opts.NATType()
	}
	if r.configs == nil {
		return ic
	}
	for _, v := range r.configs.ActiveAll() {
		ic.Configs[v.Key] = v.Value
		ic.Versions[v.Key] = v.Version
	}
	return ic
}

// Get returns one neuron.
func (r *Registry) Get(ctx context.Context, id string) (model.Neuron, error) {
	n, err := r.records.GetNeuronByID(ctx, id)
	if err != nil {
		return model.Neuron{}, err
	}
	return n, nil
}

// List returns neurons matching f ordered by ID. Retired neurons are
// excluded unless asked for or filtered by status.
func (r *Registry) List(ctx context.Context, f Filter) ([]model.Neuron, error) {
	all, err := r.records.GetNeurons(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Neuron, 0, len(all))
	for _, n := range all {
		if f.Status != "" && n.Status != f.Status {
			continue
		}
		if f.Status == "" && !f.IncludeRetired && n.Status == model.NeuronRetired {
			continue
		}
		if f.Type != "" && n.Type != f.Type {
			continue
		}
		if f.Environment != "" && n.Environment != f.Environment {
			continue
		}
		if f.Capability != "" && !n.HasCapability(f.Capability) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateStatus applies u. Retired neurons reject every update.
func (r *Registry) UpdateStatus(ctx context.Context, id string, u Update) (model.Neuron, error) {
	if u.Status != nil && !u.Status.Valid() {
		return model.Neuron{}, fmt.Errorf("%w: unknown status %q", ErrInvalid, *u.Status)
	}

	unlock, err := r.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return model.Neuron{}, fmt.Errorf("lock neuron %s: %w", id, err)
	}
	defer unlock()

	cur, err := r.records.GetNeuronByID(ctx, id)
	if err != nil {
		return model.Neuron{}, err
	}
	if cur.Status == model.NeuronRetired {
		return cur, fmt.Errorf("update %s: %w", id, ErrRetired)
	}

	n, err := r.records.UpdateNeuron(ctx, id, store.NeuronUpdate{
		Status:      u.Status,
		HealthScore: u.HealthScore,
		LastCheckIn: u.LastCheckIn,
		Metadata:    u.Metadata,
	})
	if err != nil {
		return model.Neuron{}, fmt.Errorf("update neuron %s: %w", id, err)
	}

	if n.Status != cur.Status {
		by := u.By
		if by == "" {
			by = "system"
		}
		r.events.Append(ctx, eventlog.Entry{
			NeuronID:    id,
			EventType:   eventlog.NeuronStatusChange,
			InitiatedBy: by,
			Success:     true,
			Payload:     map[string]any{"from": string(cur.Status), "to": string(n.Status)},
		})
		r.log.Info().Str("neuron_id", id).Str("from", string(cur.Status)).Str("to", string(n.Status)).Msg("neuron status changed")
	}
	return n, nil
}

// Retire moves the neuron to its terminal state and closes its session.
// Retiring a retired neuron is a no-op.
func (r *Registry) Retire(ctx context.Context, id, by string) (model.Neuron, error) {
	unlock, err := r.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return model.Neuron{}, fmt.Errorf("lock neuron %s: %w", id, err)
	}
	defer unlock()

	cur, err := r.records.GetNeuronByID(ctx, id)
	if err != nil {
		return model.Neuron{}, err
	}
	if cur.Status == model.NeuronRetired {
		return cur, nil
	}

	retired := model.NeuronRetired
	n, err := r.records.UpdateNeuron(ctx, id, store.NeuronUpdate{Status: &retired})
	if err != nil {
		return model.Neuron{}, fmt.Errorf("retire neuron %s: %w", id, err)
	}
	if r.transport != nil {
		r.transport.Disconnect(id)
	}

	r.events.Append(ctx, eventlog.Entry{
		NeuronID:    id,
		EventType:   eventlog.NeuronRetired,
		InitiatedBy: by,
		Success:     true,
		Payload:     map[string]any{"previousStatus": string(cur.Status)},
	})
	r.log.Info().Str("neuron_id", id).Str("by", by).Msg("neuron retired")
	return n, nil
}

// Heartbeat records a check-in from the neuron.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	unlock, err := r.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return fmt.Errorf("lock neuron %s: %w", id, err)
	}
	defer unlock()

	n, err := r.records.GetNeuronByID(ctx, id)
	if err != nil {
		return err
	}
	if n.Status == model.NeuronRetired {
		return fmt.Errorf("heartbeat %s: %w", id, ErrRetired)
	}
	at := r.now().UTC()
	_, err = r.records.UpdateNeuron(ctx, id, store.NeuronUpdate{LastCheckIn: &at})
	return err
}

// VerifyToken reports whether token is the neuron's current access token.
func (r *Registry) VerifyToken(ctx context.Context, id, token string) bool {
	n, err := r.records.GetNeuronByID(ctx, id)
	if err != nil || n.TokenHash == "" || n.Status == model.NeuronRetired {
		return false
	}
	got := hashToken(token)
	return subtle.ConstantTimeCompare([]byte(got), []byte(n.TokenHash)) == 1
}

// CountByStatus tallies every stored neuron by status.
func (r *Registry) CountByStatus(ctx context.Context) (map[model.NeuronStatus]int, error) {
	all, err := r.records.GetNeurons(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[model.NeuronStatus]int)
	for _, n := range all {
		counts[n.Status]++
	}
	return counts, nil
}

func newToken() (string, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token := hex.EncodeToString(buf)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
