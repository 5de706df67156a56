// Package badgerstore is a store.Records implementation on an embedded
// BadgerDB. Records are JSON documents under typed key prefixes:
//
//	neuron/<id>
//	health/<neuronID>/<checkedAt unix nanos>/<id>   (expires after Retention)
//	job/<id>
//	config/<key>/<version>
//	conflict/<id>
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"neuronctl/internal/model"
	"neuronctl/internal/store"
)

const (
	prefixNeuron   = "neuron/"
	prefixHealth   = "health/"
	prefixJob      = "job/"
	prefixConfig   = "config/"
	prefixConflict = "conflict/"
)

// Options configures Open.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// Retention is the TTL applied to health check entries. Zero keeps them forever.
	Retention time.Duration
	Logger    zerolog.Logger
}

// Store is a Badger-backed store.Records.
type Store struct {
	db        *badger.DB
	retention time.Duration
	log       zerolog.Logger
}

var _ store.Records = (*Store)(nil)

// badgerLogger adapts zerolog to Badger's Logger interface.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Open opens (creating if needed) the database described by opts.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("badgerstore: path is required for a persistent database")
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path).WithSyncWrites(true)
	}
	bopts = bopts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{log: opts.Logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db, retention: opts.Retention, log: opts.Logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC triggers value log garbage collection every interval until ctx is done.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Warn().Err(err).Msg("badger value log gc")
			}
		}
	}
}

// neuronRecord persists the token hash that model.Neuron hides from JSON.
type neuronRecord struct {
	Neuron    model.Neuron `json:"neuron"`
	TokenHash string       `json:"tokenHash,omitempty"`
}

func (s *Store) GetNeurons(ctx context.Context) ([]model.Neuron, error) {
	var out []model.Neuron
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixNeuron, func(val []byte) error {
			n, err := decodeNeuron(val)
			if err != nil {
				return err
			}
			out = append(out, n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetNeuronByID(ctx context.Context, id string) (model.Neuron, error) {
	var n model.Neuron
	err := s.db.View(func(txn *badger.Txn) error {
		val, err := get(txn, prefixNeuron+id)
		if err != nil {
			return fmt.Errorf("neuron %s: %w", id, err)
		}
		n, err = decodeNeuron(val)
		return err
	})
	return n, err
}

func (s *Store) RegisterNeuron(ctx context.Context, n model.Neuron) error {
	data, err := json.Marshal(neuronRecord{Neuron: n, TokenHash: n.TokenHash})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixNeuron+n.ID), data)
	})
}

func (s *Store) UpdateNeuron(ctx context.Context, id string, u store.NeuronUpdate) (model.Neuron, error) {
	var n model.Neuron
	err := s.db.Update(func(txn *badger.Txn) error {
		val, err := get(txn, prefixNeuron+id)
		if err != nil {
			return fmt.Errorf("neuron %s: %w", id, err)
		}
		if n, err = decodeNeuron(val); err != nil {
			return err
		}
		if !store.ApplyNeuronUpdate(&n, u) {
			return nil
		}
		n.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(neuronRecord{Neuron: n, TokenHash: n.TokenHash})
		if err != nil {
			return err
		}
		return txn.Set([]byte(prefixNeuron+id), data)
	})
	return n, err
}

func (s *Store) CreateHealthCheck(ctx context.Context, r model.HealthCheckResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%s/%020d/%s", prefixHealth, r.NeuronID, r.CheckedAt.UnixNano(), r.ID)
	entry := badger.NewEntry([]byte(key), data)
	if s.retention > 0 {
		entry = entry.WithTTL(s.retention)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

func (s *Store) ListHealthChecks(ctx context.Context, neuronID string, since time.Time) ([]model.HealthCheckResult, error) {
	var out []model.HealthCheckResult
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixHealth+neuronID+"/", func(val []byte) error {
			var r model.HealthCheckResult
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			if r.NeuronID != neuronID {
				return nil
			}
			if !since.IsZero() && r.CheckedAt.Before(since) {
				return nil
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

func (s *Store) CreateSyncJob(ctx context.Context, job model.SyncJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return create(txn, prefixJob+job.ID, data, "sync job "+job.ID)
	})
}

func (s *Store) UpdateSyncJob(ctx context.Context, id string, u store.SyncJobUpdate) (model.SyncJob, error) {
	var job model.SyncJob
	err := s.db.Update(func(txn *badger.Txn) error {
		val, err := get(txn, prefixJob+id)
		if err != nil {
			return fmt.Errorf("sync job %s: %w", id, err)
		}
		if err := json.Unmarshal(val, &job); err != nil {
			return err
		}
		store.ApplySyncJobUpdate(&job, u)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return txn.Set([]byte(prefixJob+id), data)
	})
	return job, err
}

func (s *Store) ListSyncJobs(ctx context.Context, f store.JobFilter) ([]model.SyncJob, error) {
	var out []model.SyncJob
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixJob, func(val []byte) error {
			var job model.SyncJob
			if err := json.Unmarshal(val, &job); err != nil {
				return err
			}
			if store.MatchJob(job, f) {
				out = append(out, job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func configKey(key string, version int64) string {
	return fmt.Sprintf("%s%s/%020d", prefixConfig, key, version)
}

func (s *Store) CreateConfigVersion(ctx context.Context, v model.ConfigVersion) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return create(txn, configKey(v.Key, v.Version), data, fmt.Sprintf("config %s v%d", v.Key, v.Version))
	})
}

func (s *Store) SetConfigVersionActive(ctx context.Context, key string, version int64, active bool) error {
	return s.db.Update(func(txn *badger.Txn) error {
		k := configKey(key, version)
		val, err := get(txn, k)
		if err != nil {
			return fmt.Errorf("config %s v%d: %w", key, version, err)
		}
		var v model.ConfigVersion
		if err := json.Unmarshal(val, &v); err != nil {
			return err
		}
		v.IsActive = active
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return txn.Set([]byte(k), data)
	})
}

func (s *Store) ListConfigVersions(ctx context.Context, key string) ([]model.ConfigVersion, error) {
	prefix := prefixConfig
	if key != "" {
		prefix += key + "/"
	}
	var out []model.ConfigVersion
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix, func(val []byte) error {
			var v model.ConfigVersion
			if err := json.Unmarshal(val, &v); err != nil {
				return err
			}
			// "a/" also prefixes keys such as "a/b".
			if key != "" && v.Key != key {
				return nil
			}
			out = append(out, v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (s *Store) CreateConflict(ctx context.Context, c model.Conflict) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return create(txn, prefixConflict+c.ID, data, "conflict "+c.ID)
	})
}

func (s *Store) UpdateConflict(ctx context.Context, id string, u store.ConflictUpdate) (model.Conflict, error) {
	var c model.Conflict
	err := s.db.Update(func(txn *badger.Txn) error {
		val, err := get(txn, prefixConflict+id)
		if err != nil {
			return fmt.Errorf("conflict %s: %w", id, err)
		}
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		store.ApplyConflictUpdate(&c, u)
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return txn.Set([]byte(prefixConflict+id), data)
	})
	return c, err
}

func (s *Store) GetConflict(ctx context.Context, id string) (model.Conflict, error) {
	var c model.Conflict
	err := s.db.View(func(txn *badger.Txn) error {
		val, err := get(txn, prefixConflict+id)
		if err != nil {
			return fmt.Errorf("conflict %s: %w", id, err)
		}
		return json.Unmarshal(val, &c)
	})
	return c, err
}

func (s *Store) ListConflicts(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error) {
	var out []model.Conflict
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixConflict, func(val []byte) error {
			var c model.Conflict
			if err := json.Unmarshal(val, &c); err != nil {
				return err
			}
			if status == "" || c.Status == status {
				out = append(out, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func decodeNeuron(val []byte) (model.Neuron, error) {
	var rec neuronRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return model.Neuron{}, err
	}
	rec.Neuron.TokenHash = rec.TokenHash
	return rec.Neuron, nil
}

func get(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func create(txn *badger.Txn, key string, data []byte, what string) error {
	_, err := txn.Get([]byte(key))
	switch {
	case err == nil:
		return fmt.Errorf("%s: %w", what, store.ErrExists)
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}
	return txn.Set([]byte(key), data)
}

func scan(txn *badger.Txn, prefix string, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
