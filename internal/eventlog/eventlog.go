// Package eventlog appends and queries the federation audit trail.
//
// Every mutating control-plane action goes through Log.Append, which assigns
// the event ID, a strictly increasing sequence number and the timestamp.
// Appends are telemetry: a failed write is logged and dropped, never returned
// to the action that produced it.
package eventlog

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"neuronctl/internal/model"
	"neuronctl/internal/store"
)

// Event types written by the control plane.
const (
	NeuronRegistered   = "neuron_registered"
	NeuronRetired      = "neuron_retired"
	NeuronStatusChange = "neuron_status_changed"
	ConfigPush         = "config_push"
	ConfigRollback     = "config_rollback"
	HotReload          = "hot_reload"
	SyncRollback       = "sync_rollback"
	FailureDetected    = "failure_detected"
	RecoveryAttempt    = "recovery_attempt"
	RecoveryExhausted  = "recovery_exhausted"
	ConflictDetected   = "conflict_detected"
	ConflictResolved   = "conflict_resolved"
)

// Entry is the caller-supplied part of an event.
type Entry struct {
	NeuronID    string
	EventType   string
	Payload     map[string]any
	InitiatedBy string
	Success     bool
}

// Log stamps and persists federation events.
type Log struct {
	events store.Events
	log    zerolog.Logger
	now    func() time.Time

	mu  sync.Mutex
	seq int64
}

// New returns a Log that continues the sequence already stored in events.
func New(ctx context.Context, events store.Events, logger zerolog.Logger) (*Log, error) {
	last, err := events.LastSeq(ctx)
	if err != nil {
		return nil, err
	}
	return &Log{events: events, log: logger, now: time.Now, seq: last}, nil
}

// Append records e and returns the stored event. Store failures are logged;
// the returned event still carries the assigned ID and seq.
func (l *Log) Append(ctx context.Context, e Entry) model.FederationEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ev := model.FederationEvent{
		ID:          uuid.NewString(),
		Seq:         l.seq,
		NeuronID:    e.NeuronID,
		EventType:   e.EventType,
		Payload:     e.Payload,
		InitiatedBy: e.InitiatedBy,
		Success:     e.Success,
		Timestamp:   l.now().UTC(),
	}
	if err := l.events.CreateFederationEvent(ctx, ev); err != nil {
		l.log.Warn().Err(err).Str("event_type", ev.EventType).Int64("seq", ev.Seq).Msg("event append failed")
	}
	return ev
}

// List returns stored events matching f in seq order.
func (l *Log) List(ctx context.Context, f store.EventFilter) ([]model.FederationEvent, error) {
	return l.events.ListFederationEvents(ctx, f)
}

// Export writes the events matching f to w as CSV.
func (l *Log) Export(ctx context.Context, w io.Writer, f store.EventFilter) (int, error) {
	evs, err := l.List(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(evs), WriteCSV(w, evs)
}
