package analytics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuronctl/internal/failures"
	"neuronctl/internal/model"
	"neuronctl/internal/registry"
	"neuronctl/internal/store"
)

type memNeurons struct {
	records *store.Memory
}

func (m memNeurons) Get(ctx context.Context, id string) (model.Neuron, error) {
	return m.records.GetNeuronByID(ctx, id)
}

func (m memNeurons) List(ctx context.Context, _ registry.Filter) ([]model.Neuron, error) {
	return m.records.GetNeurons(ctx)
}

type latest map[string]model.HealthCheckResult

func (l latest) Latest(id string) (model.HealthCheckResult, bool) {
	r, ok := l[id]
	return r, ok
}

type queue []string

func (q queue) Queued() []string { return q }

type sessions map[string]bool

func (s sessions) IsConnected(id string) bool { return s[id] }

func seed(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	records := store.NewMemory()
	for _, n := range []model.Neuron{
		{ID: "a", Name: "a", Type: "quiz", Status: model.NeuronActive, HealthScore: 90},
		{ID: "b", Name: "b", Type: "quiz", Status: model.NeuronInactive, HealthScore: 50},
		{ID: "c", Name: "c", Type: "chat", Status: model.NeuronRetired, HealthScore: 0},
	} {
		require.NoError(t, records.RegisterNeuron(ctx, n))
	}
	return records
}

func TestFleetStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	records := seed(t)
	require.NoError(t, records.CreateSyncJob(ctx, model.SyncJob{ID: "j1", Status: model.JobCompleted}))
	require.NoError(t, records.CreateSyncJob(ctx, model.SyncJob{ID: "j2", Status: model.JobFailed}))

	ledger := failures.NewLedger(1)
	exhausted, _ := ledger.Raise(failures.Spec{NeuronID: "b", Type: model.FailureOffline, Severity: model.SeverityHigh})
	_, err := ledger.BeginAttempt(exhausted.ID)
	require.NoError(t, err)
	ledger.Raise(failures.Spec{NeuronID: "b", Type: model.FailureTimeout, Severity: model.SeverityHigh})

	health := latest{
		"a": {NeuronID: "a", Status: model.HealthHealthy},
		"b": {NeuronID: "b", Status: model.HealthOffline},
		"c": {NeuronID: "c", Status: model.HealthOffline},
	}
	agg := New(memNeurons{records}, health, ledger, records, queue{"b"}, sessions{"a": true})

	fs, err := agg.FleetStatus(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, fs.Total)
	assert.Equal(t, 1, fs.ByStatus[model.NeuronActive])
	assert.Equal(t, 1, fs.ByStatus[model.NeuronRetired])
	assert.Equal(t, 1, fs.ByHealth[model.HealthHealthy])
	assert.Equal(t, 1, fs.ByHealth[model.HealthOffline])
	assert.Equal(t, 1, fs.Connected)
	assert.InDelta(t, 70.0, fs.AvgHealthScore, 1e-9)
	assert.Equal(t, 2, fs.Failures.Unrecovered)
	require.Len(t, fs.ExhaustedFailures, 1)
	assert.Equal(t, exhausted.ID, fs.ExhaustedFailures[0].ID)
	assert.Equal(t, []string{"b"}, fs.RecoveryQueue)
	assert.Equal(t, 1, fs.Jobs[model.JobCompleted])
	assert.Equal(t, 1, fs.Jobs[model.JobFailed])
	require.Len(t, fs.Neurons, 3)
	assert.True(t, fs.Neurons[0].Connected)
	assert.Empty(t, fs.Neurons[2].Health)
}

func TestFleetStatus_EmptyListsEncodeAsArrays(t *testing.T) {
	t.Parallel()

	records := store.NewMemory()
	agg := New(memNeurons{records}, latest{}, failures.NewLedger(3), records, nil, nil)

	fs, err := agg.FleetStatus(context.Background())
	require.NoError(t, err)
	raw, err := json.Marshal(fs)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, []any{}, out["exhaustedFailures"])
	assert.Equal(t, []any{}, out["recoveryQueue"])
	assert.Equal(t, []any{}, out["neurons"])
}

func TestNeuronHealth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	records := seed(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, ms := range []float64{100, 200, 300} {
		require.NoError(t, records.CreateHealthCheck(ctx, model.HealthCheckResult{
			NeuronID:       "a",
			Reachable:      true,
			ResponseTimeMs: ms,
			HealthScore:    90,
			CheckedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}
	ledger := failures.NewLedger(3)
	ledger.Raise(failures.Spec{NeuronID: "a", Type: model.FailureTimeout, Severity: model.SeverityHigh})

	last := model.HealthCheckResult{NeuronID: "a", Status: model.HealthHealthy, HealthScore: 90}
	agg := New(memNeurons{records}, latest{"a": last}, ledger, records, nil, nil)

	nh, err := agg.NeuronHealth(ctx, "a", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "a", nh.Neuron.ID)
	require.NotNil(t, nh.Latest)
	assert.Equal(t, model.HealthHealthy, nh.Latest.Status)
	assert.Equal(t, 2, nh.Stats.Count)
	assert.InDelta(t, 250.0, nh.Stats.AvgResponseMs, 1e-9)
	assert.Len(t, nh.OpenFailures, 1)
	assert.False(t, nh.Queued)

	_, err = agg.NeuronHealth(ctx, "ghost", time.Time{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
