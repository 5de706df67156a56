// Package controlplane constructs every control-plane component from
// configuration, runs their loops under one supervisor and exposes the
// operator API facade.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"neuronctl/internal/analytics"
	"neuronctl/internal/config"
	"neuronctl/internal/configstore"
	"neuronctl/internal/eventlog"
	"neuronctl/internal/failures"
	"neuronctl/internal/health"
	"neuronctl/internal/lock"
	"neuronctl/internal/logging"
	"neuronctl/internal/metrics"
	"neuronctl/internal/netprobe"
	"neuronctl/internal/recovery"
	"neuronctl/internal/registry"
	"neuronctl/internal/store"
	"neuronctl/internal/store/badgerstore"
	"neuronctl/internal/syncer"
	"neuronctl/internal/transport"
	"neuronctl/internal/watcher"
)

const (
	snapshotFile = "fleet.yaml"
	badgerDir    = "badger"
	eventsFile   = "events.db"
	lockTTL      = 30 * time.Second
	badgerGC     = 10 * time.Minute
)

// SnapshotPath is where the supervisor writes the fleet snapshot.
func SnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, snapshotFile)
}

// Options configures New.
type Options struct {
	Config config.ControlPlaneConfig
	Logger zerolog.Logger
	// Sender replaces the hub for outbound traffic. Tests inject a fake.
	Sender transport.Sender
}

// ControlPlane owns every component. Fields are exported for the CLI and
// tests; treat them as read-only after New.
type ControlPlane struct {
	cfg config.ControlPlaneConfig
	log zerolog.Logger

	Hub       *transport.Hub
	Sender    transport.Sender
	Records   store.Records
	Events    *eventlog.Log
	Metrics   *metrics.Metrics
	Ledger    *failures.Ledger
	Configs   *configstore.Store
	Registry  *registry.Registry
	Health    *health.Monitor
	Recovery  *recovery.Orchestrator
	Syncer    *syncer.Orchestrator
	Analytics *analytics.Aggregator
	Watcher   *watcher.Watcher

	badger  *badgerstore.Store
	closers []func() error

	discover func(ctx context.Context, servers []string, timeout time.Duration) (netprobe.Discovery, error)

	mu       sync.RWMutex
	endpoint string
	nat      netprobe.NATType
}

// New builds the control plane. Call Close when done.
func New(ctx context.Context, opts Options) (cp *ControlPlane, err error) {
	cfg := opts.Config
	wrapped := config.Config{ControlPlane: &cfg}
	config.ApplyDefaults(&wrapped)
	if err := config.Validate(wrapped); err != nil {
		return nil, err
	}

	log := opts.Logger
	cp = &ControlPlane{
		cfg:      cfg,
		log:      logging.Component(log, "controlplane"),
		endpoint: cfg.AdvertiseURL,
		nat:      netprobe.NATUnknown,
		discover: netprobe.Discover,
	}
	defer func() {
		if err != nil {
			_ = cp.Close()
		}
	}()

	cp.Hub = transport.NewHub(transport.Options{
		Liveness: config.Seconds(cfg.LivenessWindowSec),
		Logger:   logging.Component(log, "transport"),
	})
	cp.Sender = opts.Sender
	if cp.Sender == nil {
		cp.Sender = cp.Hub
	}
	cp.Metrics = metrics.New(func() int { return len(cp.Hub.Connected()) })

	if err := cp.openStores(ctx, log); err != nil {
		return nil, err
	}
	locker, err := cp.openLocker(ctx, log)
	if err != nil {
		return nil, err
	}

	cp.Ledger = failures.NewLedger(cfg.MaxRecoveryAttempts)
	cp.Configs, err = configstore.New(ctx, cp.Records, locker, cp.Events, cp.Metrics, logging.Component(log, "configstore"))
	if err != nil {
		return nil, fmt.Errorf("load config versions: %w", err)
	}

	cp.Registry = registry.New(cp.Records, locker, cp.Sender, cp.Configs, cp.Events, cp.Metrics, logging.Component(log, "registry"), registry.Options{
		ProbeOnRegister: *cfg.ProbeOnRegister,
		ProbeTimeout:    config.Millis(cfg.TimeoutThresholdMs),
		Endpoint:        cp.Endpoint,
		NATType:         func() string { return string(cp.NATType()) },
	})

	cp.Health = health.New(cp.Registry, cp.Sender, cp.Records, cp.Ledger, cp.Events, cp.Metrics, logging.Component(log, "health"), health.Options{
		HeartbeatInterval: config.Seconds(cfg.HeartbeatIntervalSec),
		DeepInterval:      config.Seconds(cfg.DeepCheckIntervalSec),
		OfflineThreshold:  config.Seconds(cfg.OfflineThresholdSec),
		TimeoutThreshold:  config.Millis(cfg.TimeoutThresholdMs),
		PingTimeout:       config.Millis(cfg.PingTimeoutMs),
		ErrorThreshold:    cfg.ErrorThreshold,
		ErrorWindow:       config.Seconds(cfg.ErrorWindowSec),
		Retention:         time.Duration(cfg.HealthRetentionHours) * time.Hour,
		DeepChecksPerSec:  cfg.DeepChecksPerSec,
	})

	cp.Syncer = syncer.New(syncer.Deps{
		Records:   cp.Records,
		Neurons:   cp.Registry,
		Configs:   cp.Configs,
		Transport: cp.Sender,
		Failures:  cp.Health,
		Events:    cp.Events,
		Metrics:   cp.Metrics,
		Logger:    logging.Component(log, "syncer"),
	}, syncer.Options{
		BatchSize: cfg.SyncBatchSize,
		Timeout:   config.Seconds(cfg.SyncTimeoutSec),
	})

	cp.Recovery = recovery.New(recovery.Deps{
		Ledger:    cp.Ledger,
		Transport: cp.Sender,
		Neurons:   cp.Registry,
		Checker:   cp.Health,
		Syncer:    cp.Syncer,
		Configs:   cp.Configs,
		Events:    cp.Events,
		Metrics:   cp.Metrics,
		Logger:    logging.Component(log, "recovery"),
	}, recovery.Options{
		Interval:    config.Seconds(cfg.RecoveryIntervalSec),
		PingTimeout: config.Millis(cfg.PingTimeoutMs),
	})

	cp.Analytics = analytics.New(cp.Registry, cp.Health, cp.Ledger, cp.Records, cp.Recovery, cp.Sender)

	if cfg.ConfigWatchDir != "" {
		cp.Watcher = watcher.New(cfg.ConfigWatchDir, cp.Syncer, 0, logging.Component(log, "watcher"))
	}

	if counts, err := cp.Registry.CountByStatus(ctx); err == nil {
		cp.Metrics.SetNeurons(counts)
	}
	return cp, nil
}

func (cp *ControlPlane) openStores(ctx context.Context, log zerolog.Logger) error {
	cfg := cp.cfg
	var mem *store.Memory

	switch cfg.Store {
	case "badger":
		db, err := badgerstore.Open(badgerstore.Options{
			Path:      filepath.Join(cfg.DataDir, badgerDir),
			Retention: time.Duration(cfg.HealthRetentionHours) * time.Hour,
			Logger:    logging.Component(log, "badger"),
		})
		if err != nil {
			return err
		}
		cp.badger = db
		cp.Records = db
		cp.closers = append(cp.closers, db.Close)
	default:
		mem = store.NewMemory()
		cp.Records = mem
	}

	var events store.Events
	switch cfg.EventLog {
	case "sqlite":
		db, err := eventlog.OpenSQLite(filepath.Join(cfg.DataDir, eventsFile))
		if err != nil {
			return err
		}
		events = db
		cp.closers = append(cp.closers, db.Close)
	default:
		if mem == nil {
			mem = store.NewMemory()
		}
		events = mem
	}

	l, err := eventlog.New(ctx, events, logging.Component(log, "eventlog"))
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	cp.Events = l
	return nil
}

func (cp *ControlPlane) openLocker(ctx context.Context, log zerolog.Logger) (lock.Locker, error) {
	if cp.cfg.Lock != "redis" {
		return lock.NewLocal(), nil
	}
	client, err := lock.NewRedisClient(ctx, cp.cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	r := lock.NewRedis(client, lockTTL, logging.Component(log, "lock"))
	cp.closers = append(cp.closers, r.Close)
	return r, nil
}

// Endpoint is the externally reachable control-plane address handed to
// neurons at registration.
func (cp *ControlPlane) Endpoint() string {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.endpoint
}

func (cp *ControlPlane) setEndpoint(ep string) {
	cp.mu.Lock()
	cp.endpoint = ep
	cp.mu.Unlock()
}

// NATType is the NAT behaviour seen by STUN discovery, or unknown.
func (cp *ControlPlane) NATType() netprobe.NATType {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.nat
}

func (cp *ControlPlane) setNAT(t netprobe.NATType) {
	cp.mu.Lock()
	cp.nat = t
	cp.mu.Unlock()
}

// Config returns the effective configuration.
func (cp *ControlPlane) Config() config.ControlPlaneConfig {
	return cp.cfg
}

// Close releases stores, the lock backend and every session.
func (cp *ControlPlane) Close() error {
	if cp.Hub != nil {
		cp.Hub.Close()
	}
	var errs []error
	for i := len(cp.closers) - 1; i >= 0; i-- {
		errs = append(errs, cp.closers[i]())
	}
	cp.closers = nil
	return errors.Join(errs...)
}
