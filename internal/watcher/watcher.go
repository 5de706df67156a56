// Package watcher pushes config files dropped into a directory. A file
// named <key>.json becomes a new version of key, distributed to every
// non-retired neuron.
package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"neuronctl/internal/syncer"
)

// ErrNotConfig is returned for files that are not <key>.json.
var ErrNotConfig = errors.New("not a config file")

// Pusher commits and distributes a config value.
type Pusher interface {
	PushConfig(ctx context.Context, req syncer.PushConfigRequest) (syncer.Summary, error)
}

// Watcher debounces writes per file and skips content it already pushed.
type Watcher struct {
	dir      string
	pusher   Pusher
	debounce time.Duration
	log      zerolog.Logger

	last map[string][]byte
}

// New returns a Watcher for dir. Run owns it; it is not safe for
// concurrent use.
func New(dir string, pusher Pusher, debounce time.Duration, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		dir:      dir,
		pusher:   pusher,
		debounce: debounce,
		log:      logger,
		last:     make(map[string][]byte),
	}
}

// Run watches the directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info().Str("dir", w.dir).Msg("watching config directory")

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if _, err := KeyFromPath(ev.Name); err != nil {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		case <-timer.C:
			for path := range pending {
				if _, err := w.Apply(ctx, path); err != nil {
					w.log.Warn().Err(err).Str("path", path).Msg("push config file")
				}
			}
			pending = make(map[string]struct{})
		}
	}
}

// Apply pushes the file at path. It returns a zero summary without pushing
// when the content matches the last push from the same file.
func (w *Watcher) Apply(ctx context.Context, path string) (syncer.Summary, error) {
	key, err := KeyFromPath(path)
	if err != nil {
		return syncer.Summary{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return syncer.Summary{}, err
	}
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return syncer.Summary{}, fmt.Errorf("%s: invalid JSON", filepath.Base(path))
	}
	if prev, ok := w.last[key]; ok && bytes.Equal(prev, data) {
		return syncer.Summary{}, nil
	}

	sum, err := w.pusher.PushConfig(ctx, syncer.PushConfigRequest{
		Key:         key,
		Value:       json.RawMessage(data),
		Reason:      "config file " + filepath.Base(path),
		InitiatedBy: "watcher",
	})
	if err != nil {
		return syncer.Summary{}, err
	}
	w.last[key] = data
	w.log.Info().
		Str("config_key", key).
		Int64("version", sum.Version).
		Int("successful", len(sum.Successful)).
		Int("failed", len(sum.Failed)).
		Msg("config file pushed")
	return sum, nil
}

// KeyFromPath maps dir/<key>.json to key. Hidden files are ignored.
func KeyFromPath(path string) (string, error) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".json") {
		return "", fmt.Errorf("%s: %w", base, ErrNotConfig)
	}
	key := strings.TrimSuffix(base, ".json")
	if key == "" {
		return "", fmt.Errorf("%s: %w", base, ErrNotConfig)
	}
	return key, nil
}
