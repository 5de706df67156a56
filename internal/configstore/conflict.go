package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"neuronctl/internal/eventlog"
	"neuronctl/internal/model"
	"neuronctl/internal/store"
)

var (
	ErrInvalidResolution = errors.New("invalid conflict resolution")
	ErrAlreadyResolved   = errors.New("conflict already resolved")
)

// ResolveResult is the resolved conflict and the version it activated, if any.
type ResolveResult struct {
	Conflict model.Conflict
	Version  *model.ConfigVersion
}

func (s *Store) recordConflict(ctx context.Context, key string, base, overwritten, winner int64, by string) (model.Conflict, error) {
	c := model.Conflict{
		ID:          uuid.NewString(),
		ConfigKey:   key,
		BaseVersion: base,
		Versions:    []int64{overwritten, winner},
		Status:      model.ConflictOpen,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.records.CreateConflict(ctx, c); err != nil {
		return model.Conflict{}, err
	}
	s.metrics.ObserveConflict("detected")
	s.events.Append(ctx, eventlog.Entry{
		EventType:   eventlog.ConflictDetected,
		InitiatedBy: by,
		Success:     true,
		Payload: map[string]any{
			"conflictId":  c.ID,
			"configKey":   key,
			"baseVersion": base,
			"versions":    c.Versions,
		},
	})
	s.log.Warn().Str("config_key", key).Int64("base", base).Int64("overwritten", overwritten).Int64("winner", winner).Msg("config conflict")
	return c, nil
}

// Conflicts lists conflicts with the given status ("" for all).
func (s *Store) Conflicts(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error) {
	return s.records.ListConflicts(ctx, status)
}

// ResolveConflict applies an operator decision. source re-activates the
// overwritten value as a new version, merge activates data as a new version,
// target and manual leave the active version alone.
func (s *Store) ResolveConflict(ctx context.Context, id string, resolution model.Resolution, data json.RawMessage, resolvedBy string) (ResolveResult, error) {
	if !resolution.Valid() {
		return ResolveResult{}, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}
	if resolution == model.ResolveMerge && (len(data) == 0 || !json.Valid(data)) {
		return ResolveResult{}, fmt.Errorf("%w: merge requires JSON resolutionData", ErrInvalidResolution)
	}

	c, err := s.records.GetConflict(ctx, id)
	if err != nil {
		return ResolveResult{}, err
	}
	unlock, err := s.locker.Lock(ctx, lockKey(c.ConfigKey))
	if err != nil {
		return ResolveResult{}, fmt.Errorf("lock config %s: %w", c.ConfigKey, err)
	}
	defer unlock()

	// Re-read under the key lock so two resolvers cannot both win.
	if c, err = s.records.GetConflict(ctx, id); err != nil {
		return ResolveResult{}, err
	}
	if c.Status == model.ConflictResolved {
		return ResolveResult{Conflict: c}, fmt.Errorf("conflict %s: %w", id, ErrAlreadyResolved)
	}

	var activated *model.ConfigVersion
	switch resolution {
	case model.ResolveSource:
		if len(c.Versions) == 0 || c.Versions[0] == 0 {
			return ResolveResult{}, fmt.Errorf("%w: conflict %s has no overwritten version", ErrInvalidResolution, id)
		}
		lost, err := s.Version(ctx, c.ConfigKey, c.Versions[0])
		if err != nil {
			return ResolveResult{}, err
		}
		res, err := s.writeLocked(ctx, WriteRequest{
			Key:        c.ConfigKey,
			Value:      lost.Value,
			ChangeType: model.ChangePush,
			Reason:     fmt.Sprintf("conflict %s resolved: source v%d", id, lost.Version),
			DeployedBy: resolvedBy,
		}, s.ActiveVersion(c.ConfigKey))
		if err != nil {
			return ResolveResult{}, err
		}
		activated = &res.Version
	case model.ResolveMerge:
		res, err := s.writeLocked(ctx, WriteRequest{
			Key:        c.ConfigKey,
			Value:      data,
			ChangeType: model.ChangePush,
			Reason:     fmt.Sprintf("conflict %s resolved: merge", id),
			DeployedBy: resolvedBy,
		}, s.ActiveVersion(c.ConfigKey))
		if err != nil {
			return ResolveResult{}, err
		}
		activated = &res.Version
	}

	status := model.ConflictResolved
	at := s.now().UTC()
	upd := store.ConflictUpdate{
		Status:     &status,
		Resolution: &resolution,
		ResolvedBy: &resolvedBy,
		ResolvedAt: &at,
	}
	if len(data) > 0 {
		upd.ResolutionData = data
	}
	c, err = s.records.UpdateConflict(ctx, id, upd)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("update conflict %s: %w", id, err)
	}
	s.metrics.ObserveConflict("resolved")

	payload := map[string]any{
		"conflictId": id,
		"configKey":  c.ConfigKey,
		"resolution": string(resolution),
	}
	if activated != nil {
		payload["activatedVersion"] = activated.Version
	}
	s.events.Append(ctx, eventlog.Entry{
		EventType:   eventlog.ConflictResolved,
		InitiatedBy: resolvedBy,
		Success:     true,
		Payload:     payload,
	})
	return ResolveResult{Conflict: c, Version: activated}, nil
}
