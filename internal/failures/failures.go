// Package failures keeps the ledger of detected failures and their
// recovery progress. A neuron has at most one actionable failure of each
// type; recovered failures are immutable. Exhausted failures stay open for
// operators but no longer absorb new detections.
package failures

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"neuronctl/internal/model"
)

var (
	ErrNotFound  = errors.New("failure not found")
	ErrRecovered = errors.New("failure already recovered")
	ErrExhausted = errors.New("recovery attempts exhausted")
)

// Spec describes a failure to raise.
type Spec struct {
	NeuronID  string
	Type      model.FailureType
	Severity  model.Severity
	Message   string
	ConfigKey string
}

// Summary counts ledger entries.
type Summary struct {
	Total       int                       `json:"total"`
	Unrecovered int                       `json:"unrecovered"`
	Exhausted   int                       `json:"exhausted"`
	ByType      map[model.FailureType]int `json:"byType"`
}

// Ledger is safe for concurrent use.
type Ledger struct {
	maxAttempts int
	now         func() time.Time

	mu    sync.Mutex
	byID  map[string]*model.FailureEvent
	order []string
}

// NewLedger returns an empty ledger capping recovery at maxAttempts.
func NewLedger(maxAttempts int) *Ledger {
	return &Ledger{
		maxAttempts: maxAttempts,
		now:         time.Now,
		byID:        make(map[string]*model.FailureEvent),
	}
}

// MaxAttempts returns the recovery attempt cap.
func (l *Ledger) MaxAttempts() int {
	return l.maxAttempts
}

// Raise records a failure. If the neuron already has an open failure of the
// same type with attempts left, that one is returned with created=false.
func (l *Ledger) Raise(s Spec) (model.FailureEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range l.order {
		f := l.byID[id]
		if f.NeuronID == s.NeuronID && f.Type == s.Type && !f.Recovered && f.RecoveryAttempts < l.maxAttempts {
			return *f, false
		}
	}

	f := &model.FailureEvent{
		ID:        uuid.NewString(),
		NeuronID:  s.NeuronID,
		Type:      s.Type,
		Severity:  s.Severity,
		Message:   s.Message,
		ConfigKey: s.ConfigKey,
		Timestamp: l.now().UTC(),
	}
	l.byID[f.ID] = f
	l.order = append(l.order, f.ID)
	return *f, true
}

// Get returns one failure.
func (l *Ledger) Get(id string) (model.FailureEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.byID[id]
	if !ok {
		return model.FailureEvent{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return *f, nil
}

// List returns failures for neuronID in detection order; "" lists all.
func (l *Ledger) List(neuronID string) []model.FailureEvent {
	return l.filter(func(f *model.FailureEvent) bool {
		return neuronID == "" || f.NeuronID == neuronID
	})
}

// Unrecovered returns the neuron's open failures.
func (l *Ledger) Unrecovered(neuronID string) []model.FailureEvent {
	return l.filter(func(f *model.FailureEvent) bool {
		return f.NeuronID == neuronID && !f.Recovered
	})
}

// Actionable returns open failures that still have attempts left.
func (l *Ledger) Actionable(neuronID string) []model.FailureEvent {
	return l.filter(func(f *model.FailureEvent) bool {
		return f.NeuronID == neuronID && !f.Recovered && f.RecoveryAttempts < l.maxAttempts
	})
}

// Exhausted returns open failures with no attempts left, across all neurons.
func (l *Ledger) Exhausted() []model.FailureEvent {
	return l.filter(func(f *model.FailureEvent) bool {
		return !f.Recovered && f.RecoveryAttempts >= l.maxAttempts
	})
}

// NeuronsWithOpenFailures lists neurons that have an unrecovered failure.
func (l *Ledger) NeuronsWithOpenFailures() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{})
	for _, f := range l.byID {
		if !f.Recovered {
			seen[f.NeuronID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BeginAttempt increments the failure's attempt counter.
func (l *Ledger) BeginAttempt(id string) (model.FailureEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.byID[id]
	if !ok {
		return model.FailureEvent{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if f.Recovered {
		return *f, fmt.Errorf("%s: %w", id, ErrRecovered)
	}
	if f.RecoveryAttempts >= l.maxAttempts {
		return *f, fmt.Errorf("%s: %w", id, ErrExhausted)
	}
	f.RecoveryAttempts++
	return *f, nil
}

// MarkRecovered closes the failure.
func (l *Ledger) MarkRecovered(id string) (model.FailureEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.byID[id]
	if !ok {
		return model.FailureEvent{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if f.Recovered {
		return *f, fmt.Errorf("%s: %w", id, ErrRecovered)
	}
	at := l.now().UTC()
	f.Recovered = true
	f.RecoveredAt = &at
	return *f, nil
}

// Summarize counts every entry.
func (l *Ledger) Summarize() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{ByType: make(map[model.FailureType]int)}
	for _, f := range l.byID {
		s.Total++
		s.ByType[f.Type]++
		if f.Recovered {
			continue
		}
		s.Unrecovered++
		if f.RecoveryAttempts >= l.maxAttempts {
			s.Exhausted++
		}
	}
	return s
}

func (l *Ledger) filter(keep func(*model.FailureEvent) bool) []model.FailureEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []model.FailureEvent{}
	for _, id := range l.order {
		if f := l.byID[id]; keep(f) {
			out = append(out, *f)
		}
	}
	return out
}
