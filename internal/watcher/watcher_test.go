package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuronctl/internal/syncer"
)

type recordingPusher struct {
	mu   sync.Mutex
	reqs []syncer.PushConfigRequest
}

func (p *recordingPusher) PushConfig(_ context.Context, req syncer.PushConfigRequest) (syncer.Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	return syncer.Summary{ConfigKey: req.Key, Version: int64(len(p.reqs))}, nil
}

func (p *recordingPusher) pushed() []syncer.PushConfigRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syncer.PushConfigRequest(nil), p.reqs...)
}

func TestKeyFromPath(t *testing.T) {
	t.Parallel()

	key, err := KeyFromPath("/etc/neuronctl/configs/quiz.timer.json")
	require.NoError(t, err)
	assert.Equal(t, "quiz.timer", key)

	for _, p := range []string{"a/theme.yaml", "a/.theme.json", "a/.json", "a/theme.json.swp"} {
		_, err := KeyFromPath(p)
		assert.ErrorIs(t, err, ErrNotConfig, p)
	}
}

func TestApply_PushesAndSkipsUnchanged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	p := &recordingPusher{}
	w := New(dir, p, 0, zerolog.Nop())

	path := filepath.Join(dir, "theme.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"color":"blue"}`+"\n"), 0o600))

	sum, err := w.Apply(ctx, path)
	require.NoError(t, err)
	assert.EqualValues(t, 1, sum.Version)

	_, err = w.Apply(ctx, path)
	require.NoError(t, err)
	require.Len(t, p.pushed(), 1)
	assert.Equal(t, "theme", p.pushed()[0].Key)
	assert.JSONEq(t, `{"color":"blue"}`, string(p.pushed()[0].Value))
	assert.Equal(t, "watcher", p.pushed()[0].InitiatedBy)

	require.NoError(t, os.WriteFile(path, []byte(`{"color":"red"}`), 0o600))
	_, err = w.Apply(ctx, path)
	require.NoError(t, err)
	assert.Len(t, p.pushed(), 2)
}

func TestApply_RejectsInvalidJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := &recordingPusher{}
	w := New(dir, p, 0, zerolog.Nop())

	path := filepath.Join(dir, "theme.json")
	require.NoError(t, os.WriteFile(path, []byte(`{color}`), 0o600))
	_, err := w.Apply(context.Background(), path)
	require.Error(t, err)
	assert.Empty(t, p.pushed())
}

func TestRun_PushesDroppedFile(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()
	p := &recordingPusher{}
	w := New(dir, p, 20*time.Millisecond, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "theme.json"), []byte(`"dark"`), 0o600))

	require.Eventually(t, func() bool { return len(p.pushed()) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "theme", p.pushed()[0].Key)

	cancel()
	require.NoError(t, <-done)
}
