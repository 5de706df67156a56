// Package transport carries JSON messages between the control plane and
// neurons over websocket sessions, one session per neuron.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultLiveness is how long a silent session survives.
const DefaultLiveness = 60 * time.Second

const (
	writeWait     = 10 * time.Second
	registerWait  = 10 * time.Second
	inboundBuffer = 256
)

// ErrNotConnected is returned by Notify when no session exists.
var ErrNotConnected = errors.New("neuron not connected")

// Options configures a Hub.
type Options struct {
	// Liveness closes sessions that have been silent for longer. Zero uses 60s.
	Liveness time.Duration
	Logger   zerolog.Logger
}

// Hub owns every live neuron session.
type Hub struct {
	liveness time.Duration
	log      zerolog.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	inbound  chan Inbound

	mu       sync.RWMutex
	sessions map[string]*session

	pendMu  sync.Mutex
	pending map[string]chan Message
}

type session struct {
	neuronID string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	lastSeen atomic.Int64
	done     chan struct{}
	once     sync.Once
}

func (s *session) touch(t time.Time) {
	s.lastSeen.Store(t.UnixNano())
}

func (s *session) write(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// NewHub returns an empty hub.
func NewHub(opts Options) *Hub {
	if opts.Liveness <= 0 {
		opts.Liveness = DefaultLiveness
	}
	return &Hub{
		liveness: opts.Liveness,
		log:      opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		dialer:   websocket.DefaultDialer,
		inbound:  make(chan Inbound, inboundBuffer),
		sessions: make(map[string]*session),
		pending:  make(map[string]chan Message),
	}
}

// Inbound delivers non-reply frames, including each session's
// neuron_register frame.
func (h *Hub) Inbound() <-chan Inbound {
	return h.inbound
}

// Accept upgrades an inbound neuron connection and serves it until it
// closes. The first frame must be neuron_register carrying a neuronId.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(registerWait))
	var first Message
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return fmt.Errorf("read register frame: %w", err)
	}
	if first.Type != TypeRegister || first.NeuronID == "" {
		_ = conn.WriteJSON(Message{Type: TypeErrorReport, ReplyTo: first.MessageID, Error: "first frame must be neuron_register with neuronId"})
		conn.Close()
		return fmt.Errorf("unexpected first frame %q", first.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := h.install(first.NeuronID, conn)
	h.deliver(s, first)
	h.readLoop(s)
	return nil
}

// Connect dials a neuron's websocket endpoint and serves the session in
// the background.
func (h *Hub) Connect(ctx context.Context, neuronID, url string) error {
	conn, _, err := h.dialer.DialContext(ctx, WebsocketURL(url), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", neuronID, err)
	}
	s := h.install(neuronID, conn)
	go h.readLoop(s)
	return nil
}

func (h *Hub) install(neuronID string, conn *websocket.Conn) *session {
	s := &session{neuronID: neuronID, conn: conn, done: make(chan struct{})}
	s.touch(time.Now())

	h.mu.Lock()
	old := h.sessions[neuronID]
	h.sessions[neuronID] = s
	h.mu.Unlock()

	if old != nil {
		old.close()
		h.log.Info().Str("neuron_id", neuronID).Msg("session replaced")
	} else {
		h.log.Info().Str("neuron_id", neuronID).Msg("session opened")
	}
	return s
}

func (h *Hub) drop(s *session) {
	h.mu.Lock()
	if h.sessions[s.neuronID] == s {
		delete(h.sessions, s.neuronID)
	}
	h.mu.Unlock()
	s.close()
}

func (h *Hub) readLoop(s *session) {
	defer h.drop(s)

	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.done:
			default:
				h.log.Debug().Err(err).Str("neuron_id", s.neuronID).Msg("session closed")
			}
			return
		}
		s.touch(time.Now())

		if msg.ReplyTo != "" && h.resolve(msg) {
			continue
		}
		if msg.Type == TypePing {
			if err := s.write(Message{Type: TypePong, ReplyTo: msg.MessageID, NeuronID: s.neuronID}); err != nil {
				return
			}
		}
		h.deliver(s, msg)
	}
}

func (h *Hub) deliver(s *session, msg Message) {
	in := Inbound{NeuronID: s.neuronID, Message: msg, ReceivedAt: time.Now().UTC()}
	select {
	case h.inbound <- in:
	default:
		h.log.Warn().Str("neuron_id", s.neuronID).Str("type", string(msg.Type)).Msg("inbound queue full, frame dropped")
	}
}

func (h *Hub) resolve(msg Message) bool {
	h.pendMu.Lock()
	ch, ok := h.pending[msg.ReplyTo]
	if ok {
		delete(h.pending, msg.ReplyTo)
	}
	h.pendMu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

func (h *Hub) session(neuronID string) *session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[neuronID]
}

// Send writes msg to the neuron and waits up to timeout for the matching reply.
func (h *Hub) Send(ctx context.Context, neuronID string, msg Message, timeout time.Duration) Result {
	s := h.session(neuronID)
	if s == nil {
		return Result{Reason: ReasonNotConnected}
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.NeuronID == "" {
		msg.NeuronID = neuronID
	}

	ch := make(chan Message, 1)
	h.pendMu.Lock()
	h.pending[msg.MessageID] = ch
	h.pendMu.Unlock()
	defer func() {
		h.pendMu.Lock()
		delete(h.pending, msg.MessageID)
		h.pendMu.Unlock()
	}()

	start := time.Now()
	if err := s.write(msg); err != nil {
		h.log.Warn().Err(err).Str("neuron_id", neuronID).Str("type", string(msg.Type)).Msg("send failed")
		h.drop(s)
		return Result{Reason: ReasonTransportError}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		res := Result{Success: true, Reply: &reply, ResponseTimeMs: millis(time.Since(start))}
		if reply.Error != "" {
			res.Success = false
			res.Reason = ReasonRejected
		}
		return res
	case <-timer.C:
		return Result{Reason: ReasonTimeout, ResponseTimeMs: millis(time.Since(start))}
	case <-ctx.Done():
		return Result{Reason: ReasonTimeout, ResponseTimeMs: millis(time.Since(start))}
	case <-s.done:
		return Result{Reason: ReasonTransportError}
	}
}

// Notify writes msg without waiting for a reply.
func (h *Hub) Notify(neuronID string, msg Message) error {
	s := h.session(neuronID)
	if s == nil {
		return fmt.Errorf("%s: %w", neuronID, ErrNotConnected)
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if err := s.write(msg); err != nil {
		h.drop(s)
		return fmt.Errorf("notify %s: %w", neuronID, err)
	}
	return nil
}

// Broadcast notifies every connected neuron.
func (h *Hub) Broadcast(ctx context.Context, msg Message) BroadcastResult {
	ids := h.Connected()
	res := BroadcastResult{Total: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, id+": "+ctx.Err().Error())
			continue
		}
		m := msg
		m.MessageID = ""
		m.NeuronID = id
		if err := h.Notify(id, m); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Sent++
	}
	return res
}

// Ping measures the round trip of a ping/pong exchange.
func (h *Hub) Ping(ctx context.Context, neuronID string, timeout time.Duration) PingResult {
	res := h.Send(ctx, neuronID, Message{Type: TypePing, Timestamp: time.Now().UTC()}, timeout)
	return PingResult{Success: res.Success, ResponseTimeMs: res.ResponseTimeMs, Reason: res.Reason}
}

// IsConnected reports whether a session exists for neuronID.
func (h *Hub) IsConnected(neuronID string) bool {
	return h.session(neuronID) != nil
}

// Connected lists neuron IDs with a live session.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Disconnect closes the neuron's session if any.
func (h *Hub) Disconnect(neuronID string) {
	if s := h.session(neuronID); s != nil {
		h.drop(s)
	}
}

// RunReaper closes sessions idle longer than the liveness window until ctx is done.
func (h *Hub) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(h.liveness / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			h.reap(now)
		}
	}
}

func (h *Hub) reap(now time.Time) int {
	h.mu.RLock()
	var stale []*session
	for _, s := range h.sessions {
		if now.Sub(time.Unix(0, s.lastSeen.Load())) > h.liveness {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.log.Info().Str("neuron_id", s.neuronID).Dur("idle", now.Sub(time.Unix(0, s.lastSeen.Load()))).Msg("session expired")
		h.drop(s)
	}
	return len(stale)
}

// Close drops every session.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for _, s := range all {
		s.close()
	}
}

// WebsocketURL maps http(s) and bare host:port addresses onto a websocket URL.
func WebsocketURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return addr
	case strings.HasPrefix(addr, "http://"):
		return "ws://" + strings.TrimPrefix(addr, "http://")
	case strings.HasPrefix(addr, "https://"):
		return "wss://" + strings.TrimPrefix(addr, "https://")
	}
	return "ws://" + addr + "/ws"
}
