// Package configstore keeps the append-only config version log with at most
// one active version per key, and records conflicts when concurrent writers
// race on a key.
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"neuronctl/internal/eventlog"
	"neuronctl/internal/lock"
	"neuronctl/internal/metrics"
	"neuronctl/internal/model"
	"neuronctl/internal/store"
)

var (
	ErrInvalid         = errors.New("invalid config write")
	ErrVersionNotFound = errors.New("config version not found")
)

// WriteRequest describes a new version.
type WriteRequest struct {
	Key          string
	Value        json.RawMessage
	ChangeType   model.ChangeType
	Reason       string
	RollbackData json.RawMessage
	DeployedBy   string
}

// WriteResult is the committed version plus the conflict it caused, if any.
type WriteResult struct {
	Version  model.ConfigVersion
	Previous *model.ConfigVersion
	Conflict *model.Conflict
}

// Store serializes writes per key and keeps an index of active versions.
type Store struct {
	records store.Records
	locker  lock.Locker
	events  *eventlog.Log
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	active map[string]model.ConfigVersion
	latest map[string]int64
}

// New loads the active index from records. When more than one version of a
// key is marked active, the highest wins and the others are deactivated.
func New(ctx context.Context, records store.Records, locker lock.Locker, events *eventlog.Log, m *metrics.Metrics, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		records: records,
		locker:  locker,
		events:  events,
		metrics: m,
		log:     logger,
		now:     time.Now,
		active:  make(map[string]model.ConfigVersion),
		latest:  make(map[string]int64),
	}

	all, err := records.ListConfigVersions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load config versions: %w", err)
	}
	for _, v := range all {
		if v.Version > s.latest[v.Key] {
			s.latest[v.Key] = v.Version
		}
		if !v.IsActive {
			continue
		}
		cur, ok := s.active[v.Key]
		if ok && cur.Version > v.Version {
			s.repairActive(ctx, v.Key, v.Version)
			continue
		}
		if ok {
			s.repairActive(ctx, cur.Key, cur.Version)
		}
		s.active[v.Key] = v
	}
	return s, nil
}

func (s *Store) repairActive(ctx context.Context, key string, version int64) {
	if err := s.records.SetConfigVersionActive(ctx, key, version, false); err != nil {
		s.log.Warn().Err(err).Str("config_key", key).Int64("version", version).Msg("deactivate stale active config version")
	}
}

// Active returns the active version of key.
func (s *Store) Active(key string) (model.ConfigVersion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.active[key]
	return v, ok
}

// ActiveVersion returns the active version number of key, or 0.
func (s *Store) ActiveVersion(key string) int64 {
	v, _ := s.Active(key)
	return v.Version
}

// ActiveAll returns every active version ordered by key.
func (s *Store) ActiveAll() []model.ConfigVersion {
	s.mu.RLock()
	out := make([]model.ConfigVersion, 0, len(s.active))
	for _, v := range s.active {
		out = append(out, v)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Versions lists the history of key (every key when empty).
func (s *Store) Versions(ctx context.Context, key string) ([]model.ConfigVersion, error) {
	return s.records.ListConfigVersions(ctx, key)
}

// Version returns one historical version.
func (s *Store) Version(ctx context.Context, key string, version int64) (model.ConfigVersion, error) {
	vs, err := s.records.ListConfigVersions(ctx, key)
	if err != nil {
		return model.ConfigVersion{}, err
	}
	for _, v := range vs {
		if v.Version == version {
			return v, nil
		}
	}
	return model.ConfigVersion{}, fmt.Errorf("%s v%d: %w", key, version, ErrVersionNotFound)
}

// Write commits req as the new active version of its key. base is the
// version the writer based its change on; if another write landed in
// between, the new version still wins and a conflict is recorded.
func (s *Store) Write(ctx context.Context, req WriteRequest, base int64) (WriteResult, error) {
	if err := validate(req); err != nil {
		return WriteResult{}, err
	}
	unlock, err := s.locker.Lock(ctx, lockKey(req.Key))
	if err != nil {
		return WriteResult{}, fmt.Errorf("lock config %s: %w", req.Key, err)
	}
	defer unlock()
	return s.writeLocked(ctx, req, base)
}

func (s *Store) writeLocked(ctx context.Context, req WriteRequest, base int64) (WriteResult, error) {
	s.mu.RLock()
	prev, hadPrev := s.active[req.Key]
	next := s.latest[req.Key] + 1
	s.mu.RUnlock()

	if req.ChangeType == "" {
		req.ChangeType = model.ChangePush
	}
	v := model.ConfigVersion{
		Key:          req.Key,
		Version:      next,
		Value:        req.Value,
		ChangeType:   req.ChangeType,
		Reason:       req.Reason,
		RollbackData: req.RollbackData,
		IsActive:     true,
		DeployedAt:   s.now().UTC(),
		DeployedBy:   req.DeployedBy,
	}
	if err := s.records.CreateConfigVersion(ctx, v); err != nil {
		return WriteResult{}, fmt.Errorf("write config %s v%d: %w", req.Key, next, err)
	}
	if hadPrev {
		if err := s.records.SetConfigVersionActive(ctx, prev.Key, prev.Version, false); err != nil {
			s.abandon(ctx, v)
			return WriteResult{}, fmt.Errorf("deactivate config %s v%d: %w", prev.Key, prev.Version, err)
		}
	}

	s.mu.Lock()
	s.active[req.Key] = v
	s.latest[req.Key] = next
	s.mu.Unlock()
	s.metrics.ObserveConfigVersion(v.ChangeType)

	res := WriteResult{Version: v}
	if hadPrev {
		p := prev
		p.IsActive = false
		res.Previous = &p
	}

	activeAtCommit := int64(0)
	if hadPrev {
		activeAtCommit = prev.Version
	}
	if activeAtCommit != base {
		c, err := s.recordConflict(ctx, req.Key, base, activeAtCommit, next, req.DeployedBy)
		if err != nil {
			s.log.Warn().Err(err).Str("config_key", req.Key).Msg("record conflict")
		} else {
			res.Conflict = &c
		}
	}
	return res, nil
}

// abandon marks a version written without its predecessor being deactivated
// as inactive. Its number stays taken.
func (s *Store) abandon(ctx context.Context, v model.ConfigVersion) {
	s.mu.Lock()
	if v.Version > s.latest[v.Key] {
		s.latest[v.Key] = v.Version
	}
	s.mu.Unlock()
	if err := s.records.SetConfigVersionActive(ctx, v.Key, v.Version, false); err != nil {
		s.log.Error().Err(err).Str("config_key", v.Key).Int64("version", v.Version).Msg("revert config version; key has two active versions until restart")
	}
}

// Rollback writes the value of toVersion as a new rollback version.
func (s *Store) Rollback(ctx context.Context, key string, toVersion int64, by, reason string) (WriteResult, error) {
	target, err := s.Version(ctx, key, toVersion)
	if err != nil {
		return WriteResult{}, err
	}
	base := s.ActiveVersion(key)
	if reason == "" {
		reason = fmt.Sprintf("rollback to v%d", toVersion)
	}
	res, err := s.Write(ctx, WriteRequest{
		Key:        key,
		Value:      target.Value,
		ChangeType: model.ChangeRollback,
		Reason:     reason,
		DeployedBy: by,
	}, base)
	if err != nil {
		return WriteResult{}, err
	}
	s.events.Append(ctx, eventlog.Entry{
		EventType:   eventlog.ConfigRollback,
		InitiatedBy: by,
		Success:     true,
		Payload: map[string]any{
			"configKey":   key,
			"fromVersion": base,
			"toVersion":   toVersion,
			"newVersion":  res.Version.Version,
		},
	})
	return res, nil
}

func validate(req WriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("%w: configKey is required", ErrInvalid)
	}
	if len(req.Value) == 0 || !json.Valid(req.Value) {
		return fmt.Errorf("%w: value for %s must be valid JSON", ErrInvalid, req.Key)
	}
	if len(req.RollbackData) > 0 && !json.Valid(req.RollbackData) {
		return fmt.Errorf("%w: rollbackData for %s must be valid JSON", ErrInvalid, req.Key)
	}
	return nil
}

func lockKey(key string) string {
	return "config:" + key
}
