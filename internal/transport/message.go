package transport

import (
	"context"
	"encoding/json"
	"time"
)

// MessageType names a wire frame.
type MessageType string

const (
	TypeRegister       MessageType = "neuron_register"
	TypeRegistered     MessageType = "neuron_registered"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
	TypeConfigUpdate   MessageType = "config_update"
	TypeHotReload      MessageType = "hot_reload"
	TypeStatusUpdate   MessageType = "status_update"
	TypeAck            MessageType = "ack"
	TypeMetricsRequest MessageType = "metrics_request"
	TypeMetrics        MessageType = "metrics"
	TypeAdvisory       MessageType = "advisory"
	TypeErrorReport    MessageType = "error_report"
)

// Message is the single JSON frame exchanged with neurons. Replies carry
// the request's MessageID in ReplyTo; a non-empty Error marks a rejection.
type Message struct {
	Type        MessageType        `json:"type"`
	MessageID   string             `json:"messageId,omitempty"`
	ReplyTo     string             `json:"replyTo,omitempty"`
	NeuronID    string             `json:"neuronId,omitempty"`
	ConfigKey   string             `json:"configKey,omitempty"`
	ConfigValue json.RawMessage    `json:"configValue,omitempty"`
	Version     int64              `json:"version,omitempty"`
	ReloadID    string             `json:"reloadId,omitempty"`
	SyncType    string             `json:"syncType,omitempty"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
	Status      string             `json:"status,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Error       string             `json:"error,omitempty"`
	Timestamp   time.Time          `json:"timestamp,omitempty"`
}

// Failure reasons reported in Result.Reason.
const (
	ReasonNotConnected   = "not_connected"
	ReasonTimeout        = "timeout"
	ReasonTransportError = "transport_error"
	ReasonRejected       = "rejected"
)

// Result is the outcome of a request/response exchange. Transport failures
// are reported here rather than as Go errors.
type Result struct {
	Success        bool
	Reason         string
	Reply          *Message
	ResponseTimeMs float64
}

// PingResult is the outcome of a liveness probe.
type PingResult struct {
	Success        bool    `json:"success"`
	ResponseTimeMs float64 `json:"responseTimeMs"`
	Reason         string  `json:"reason,omitempty"`
}

// BroadcastResult summarizes a fire-and-forget fan-out.
type BroadcastResult struct {
	Sent   int      `json:"sent"`
	Total  int      `json:"total"`
	Errors []string `json:"errors,omitempty"`
}

// Inbound is a non-reply frame received from a neuron.
type Inbound struct {
	NeuronID   string
	Message    Message
	ReceivedAt time.Time
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// Sender is the session surface the control-plane components depend on.
// *Hub implements it; transporttest.Fake stands in for it in tests.
type Sender interface {
	Send(ctx context.Context, neuronID string, msg Message, timeout time.Duration) Result
	Notify(neuronID string, msg Message) error
	Ping(ctx context.Context, neuronID string, timeout time.Duration) PingResult
	IsConnected(neuronID string) bool
	Connect(ctx context.Context, neuronID, url string) error
	Disconnect(neuronID string)
}

var _ Sender = (*Hub)(nil)
