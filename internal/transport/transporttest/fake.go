// Package transporttest provides an in-memory transport.Sender for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"neuronctl/internal/transport"
)

// Behavior scripts how a fake neuron answers.
type Behavior struct {
	// Latency is reported as the response time; the fake does not sleep.
	Latency time.Duration
	// Fail, when set, is returned as the Result reason without a reply.
	Fail string
	// Reject, when set, is returned as the reply's Error.
	Reject string
	// Metrics is returned for metrics_request.
	Metrics map[string]float64
	// Handle overrides the default reply when non-nil.
	Handle func(transport.Message) transport.Message
}

// Call records one message handed to the fake.
type Call struct {
	NeuronID string
	Message  transport.Message
	Notify   bool
}

// Fake implements transport.Sender.
type Fake struct {
	mu        sync.Mutex
	neurons   map[string]Behavior
	connected map[string]bool
	dialable  map[string]Behavior
	calls     []Call
}

var _ transport.Sender = (*Fake)(nil)

// New returns a fake with no neurons.
func New() *Fake {
	return &Fake{
		neurons:   make(map[string]Behavior),
		connected: make(map[string]bool),
		dialable:  make(map[string]Behavior),
	}
}

// Add connects a neuron with behavior b.
func (f *Fake) Add(neuronID string, b Behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neurons[neuronID] = b
	f.connected[neuronID] = true
}

// Set replaces a neuron's behavior without changing its connection state.
func (f *Fake) Set(neuronID string, b Behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neurons[neuronID] = b
}

// Disconnect drops the neuron's session.
func (f *Fake) Disconnect(neuronID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[neuronID] = false
}

// AllowDial makes Connect succeed for neuronID, installing b.
func (f *Fake) AllowDial(neuronID string, b Behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialable[neuronID] = b
}

// Calls returns every recorded message, optionally only those of type t.
func (f *Fake) Calls(t transport.MessageType) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if t == "" || c.Message.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// CallsTo returns messages of type t sent to neuronID.
func (f *Fake) CallsTo(neuronID string, t transport.MessageType) []Call {
	var out []Call
	for _, c := range f.Calls(t) {
		if c.NeuronID == neuronID {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Send(ctx context.Context, neuronID string, msg transport.Message, timeout time.Duration) transport.Result {
	f.mu.Lock()
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	msg.NeuronID = neuronID
	connected := f.connected[neuronID]
	b := f.neurons[neuronID]
	if connected {
		f.calls = append(f.calls, Call{NeuronID: neuronID, Message: msg})
	}
	f.mu.Unlock()

	if !connected {
		return transport.Result{Reason: transport.ReasonNotConnected}
	}
	elapsed := float64(b.Latency.Microseconds()) / 1000.0
	if b.Fail != "" {
		return transport.Result{Reason: b.Fail, ResponseTimeMs: elapsed}
	}
	if b.Latency > timeout {
		return transport.Result{Reason: transport.ReasonTimeout, ResponseTimeMs: elapsed}
	}

	var reply transport.Message
	if b.Handle != nil {
		reply = b.Handle(msg)
	} else {
		reply = defaultReply(msg, b)
	}
	reply.ReplyTo = msg.MessageID
	reply.NeuronID = neuronID
	if b.Reject != "" {
		reply.Error = b.Reject
	}
	if reply.Error != "" {
		return transport.Result{Reason: transport.ReasonRejected, Reply: &reply, ResponseTimeMs: elapsed}
	}
	return transport.Result{Success: true, Reply: &reply, ResponseTimeMs: elapsed}
}

func defaultReply(msg transport.Message, b Behavior) transport.Message {
	switch msg.Type {
	case transport.TypePing:
		return transport.Message{Type: transport.TypePong}
	case transport.TypeMetricsRequest:
		metrics := make(map[string]float64, len(b.Metrics))
		for k, v := range b.Metrics {
			metrics[k] = v
		}
		return transport.Message{Type: transport.TypeMetrics, Metrics: metrics}
	}
	return transport.Message{Type: transport.TypeAck, Status: "ok"}
}

func (f *Fake) Notify(neuronID string, msg transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[neuronID] {
		return fmt.Errorf("%s: %w", neuronID, transport.ErrNotConnected)
	}
	msg.NeuronID = neuronID
	f.calls = append(f.calls, Call{NeuronID: neuronID, Message: msg, Notify: true})
	return nil
}

func (f *Fake) Ping(ctx context.Context, neuronID string, timeout time.Duration) transport.PingResult {
	res := f.Send(ctx, neuronID, transport.Message{Type: transport.TypePing}, timeout)
	return transport.PingResult{Success: res.Success, ResponseTimeMs: res.ResponseTimeMs, Reason: res.Reason}
}

func (f *Fake) IsConnected(neuronID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[neuronID]
}

func (f *Fake) Connect(ctx context.Context, neuronID, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.dialable[neuronID]
	if !ok {
		return errors.New("dial " + url + ": connection refused")
	}
	f.neurons[neuronID] = b
	f.connected[neuronID] = true
	return nil
}
