// Package storetest holds behaviour tests shared by every store.Records
// implementation.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuronctl/internal/model"
	"neuronctl/internal/store"
)

// Factory returns a fresh, empty Records for one subtest.
type Factory func(t *testing.T) store.Records

// RunRecords exercises the Records contract against newStore.
func RunRecords(t *testing.T, newStore Factory) {
	t.Run("neuron upsert and update", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.GetNeuronByID(ctx, "missing")
		require.True(t, errors.Is(err, store.ErrNotFound))

		now := time.Now().UTC().Truncate(time.Millisecond)
		n := model.Neuron{ID: "n1", Name: "tutor", Type: "worker", Status: model.NeuronPending, RegisteredAt: now, Capabilities: []string{"quiz"}}
		require.NoError(t, s.RegisterNeuron(ctx, n))
		n.Name = "tutor-2"
		require.NoError(t, s.RegisterNeuron(ctx, n))

		all, err := s.GetNeurons(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "tutor-2", all[0].Name)

		active := model.NeuronActive
		score := 75
		got, err := s.UpdateNeuron(ctx, "n1", store.NeuronUpdate{Status: &active, HealthScore: &score, Metadata: map[string]any{"zone": "a"}})
		require.NoError(t, err)
		assert.Equal(t, model.NeuronActive, got.Status)
		assert.Equal(t, 75, got.HealthScore)
		assert.Equal(t, "a", got.Metadata["zone"])

		_, err = s.UpdateNeuron(ctx, "ghost", store.NeuronUpdate{Status: &active})
		require.True(t, errors.Is(err, store.ErrNotFound))
	})

	t.Run("health checks filtered by time", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.CreateHealthCheck(ctx, model.HealthCheckResult{
				ID:        "c" + string(rune('0'+i)),
				NeuronID:  "n1",
				CheckType: model.CheckHeartbeat,
				Status:    model.HealthHealthy,
				CheckedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}
		all, err := s.ListHealthChecks(ctx, "n1", time.Time{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		recent, err := s.ListHealthChecks(ctx, "n1", base.Add(time.Minute))
		require.NoError(t, err)
		assert.Len(t, recent, 2)

		none, err := s.ListHealthChecks(ctx, "n2", time.Time{})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("sync jobs", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		job := model.SyncJob{ID: "j1", Type: model.SyncConfig, Status: model.JobPending, Targets: []string{"n1"}, CreatedAt: time.Now().UTC()}
		require.NoError(t, s.CreateSyncJob(ctx, job))
		require.True(t, errors.Is(s.CreateSyncJob(ctx, job), store.ErrExists))
		require.NoError(t, s.CreateSyncJob(ctx, model.SyncJob{ID: "j2", Type: model.SyncCode, Status: model.JobPending, CreatedAt: time.Now().UTC().Add(time.Second)}))

		done := model.JobCompleted
		one := 1
		got, err := s.UpdateSyncJob(ctx, "j1", store.SyncJobUpdate{
			Status:       &done,
			SuccessCount: &one,
			Results:      []model.TargetResult{{NeuronID: "n1", Success: true}},
		})
		require.NoError(t, err)
		assert.Equal(t, model.JobCompleted, got.Status)
		assert.Equal(t, 1, got.SuccessCount)
		require.Len(t, got.Results, 1)

		completed, err := s.ListSyncJobs(ctx, store.JobFilter{Status: model.JobCompleted})
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, "j1", completed[0].ID)

		all, err := s.ListSyncJobs(ctx, store.JobFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "j2", all[0].ID, "newest first")
	})

	t.Run("config versions", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		v1 := model.ConfigVersion{Key: "quiz.timer", Version: 1, Value: json.RawMessage(`{"seconds":30}`), ChangeType: model.ChangePush, IsActive: true, DeployedAt: time.Now().UTC()}
		require.NoError(t, s.CreateConfigVersion(ctx, v1))
		require.True(t, errors.Is(s.CreateConfigVersion(ctx, v1), store.ErrExists))

		v2 := v1
		v2.Version = 2
		v2.Value = json.RawMessage(`{"seconds":45}`)
		require.NoError(t, s.CreateConfigVersion(ctx, v2))
		require.NoError(t, s.SetConfigVersionActive(ctx, "quiz.timer", 1, false))
		require.True(t, errors.Is(s.SetConfigVersionActive(ctx, "quiz.timer", 9, true), store.ErrNotFound))

		require.NoError(t, s.CreateConfigVersion(ctx, model.ConfigVersion{Key: "feed.size", Version: 1, Value: json.RawMessage(`10`), IsActive: true}))

		vs, err := s.ListConfigVersions(ctx, "quiz.timer")
		require.NoError(t, err)
		require.Len(t, vs, 2)
		assert.False(t, vs[0].IsActive)
		assert.True(t, vs[1].IsActive)
		assert.JSONEq(t, `{"seconds":45}`, string(vs[1].Value))

		all, err := s.ListConfigVersions(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("conflicts", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		c := model.Conflict{ID: "c1", ConfigKey: "quiz.timer", BaseVersion: 1, Versions: []int64{2, 3}, Status: model.ConflictOpen, CreatedAt: time.Now().UTC()}
		require.NoError(t, s.CreateConflict(ctx, c))
		require.True(t, errors.Is(s.CreateConflict(ctx, c), store.ErrExists))

		open, err := s.ListConflicts(ctx, model.ConflictOpen)
		require.NoError(t, err)
		require.Len(t, open, 1)

		resolved := model.ConflictResolved
		res := model.ResolveTarget
		by := "ops"
		at := time.Now().UTC()
		got, err := s.UpdateConflict(ctx, "c1", store.ConflictUpdate{Status: &resolved, Resolution: &res, ResolvedBy: &by, ResolvedAt: &at})
		require.NoError(t, err)
		assert.Equal(t, model.ConflictResolved, got.Status)
		require.NotNil(t, got.ResolvedAt)

		fetched, err := s.GetConflict(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, model.ResolveTarget, fetched.Resolution)
		assert.Equal(t, []int64{2, 3}, fetched.Versions)

		open, err = s.ListConflicts(ctx, model.ConflictOpen)
		require.NoError(t, err)
		assert.Empty(t, open)

		_, err = s.GetConflict(ctx, "c9")
		require.True(t, errors.Is(err, store.ErrNotFound))
	})
}

// RunEvents exercises the Events contract against newLog.
func RunEvents(t *testing.T, newLog func(t *testing.T) store.Events) {
	t.Run("append and filter", func(t *testing.T) {
		ctx := context.Background()
		l := newLog(t)

		last, err := l.LastSeq(ctx)
		require.NoError(t, err)
		assert.Zero(t, last)

		base := time.Now().UTC().Truncate(time.Millisecond)
		evs := []model.FederationEvent{
			{ID: "e1", Seq: 1, NeuronID: "n1", EventType: "neuron_registered", Success: true, Timestamp: base, Payload: map[string]any{"name": "tutor"}},
			{ID: "e2", Seq: 2, NeuronID: "n2", EventType: "neuron_registered", Success: true, Timestamp: base.Add(time.Second)},
			{ID: "e3", Seq: 3, NeuronID: "n1", EventType: "config_push", Success: false, Timestamp: base.Add(2 * time.Second)},
		}
		for _, ev := range evs {
			require.NoError(t, l.CreateFederationEvent(ctx, ev))
		}

		all, err := l.ListFederationEvents(ctx, store.EventFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].Seq, all[1].Seq, all[2].Seq})
		assert.Equal(t, "tutor", all[0].Payload["name"])

		n1, err := l.ListFederationEvents(ctx, store.EventFilter{NeuronID: "n1"})
		require.NoError(t, err)
		assert.Len(t, n1, 2)

		reg, err := l.ListFederationEvents(ctx, store.EventFilter{EventType: "neuron_registered", Since: base.Add(500 * time.Millisecond)})
		require.NoError(t, err)
		require.Len(t, reg, 1)
		assert.Equal(t, "e2", reg[0].ID)

		tail, err := l.ListFederationEvents(ctx, store.EventFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, "e3", tail[0].ID)

		last, err = l.LastSeq(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, last)
	})
}
