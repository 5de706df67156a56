package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyDefaults_ControlPlane(t *testing.T) {
	t.Parallel()

	cfg := Config{ControlPlane: &ControlPlaneConfig{}}
	ApplyDefaults(&cfg)

	cp := cfg.ControlPlane
	if cp.Listen != DefaultListen || cp.Store != "memory" || cp.Lock != "local" {
		t.Fatalf("defaults not set: %+v", cp)
	}
	if cp.HeartbeatIntervalSec != 30 || cp.OfflineThresholdSec != 120 {
		t.Fatalf("health defaults: heartbeat=%d offline=%d", cp.HeartbeatIntervalSec, cp.OfflineThresholdSec)
	}
	if cp.SyncBatchSize != 5 {
		t.Fatalf("batch=%d", cp.SyncBatchSize)
	}
	if cp.ProbeOnRegister == nil || !*cp.ProbeOnRegister {
		t.Fatalf("probe_on_register default not true")
	}
}

func TestApplyDefaults_NeuronNameFallsBackToID(t *testing.T) {
	t.Parallel()

	cfg := Config{Neuron: &NeuronConfig{ID: "n1"}}
	ApplyDefaults(&cfg)
	if cfg.Neuron.Name != "n1" || cfg.Neuron.Type != "worker" {
		t.Fatalf("neuron=%+v", cfg.Neuron)
	}
}

func TestValidate_BadgerRequiresDataDir(t *testing.T) {
	t.Parallel()

	cfg := Config{ControlPlane: &ControlPlaneConfig{Store: "badger"}}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error")
	}

	cfg.ControlPlane.DataDir = t.TempDir()
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestValidate_PingTimeoutMustExceedTimeoutThreshold(t *testing.T) {
	t.Parallel()

	cfg := Config{ControlPlane: &ControlPlaneConfig{TimeoutThresholdMs: 5000, PingTimeoutMs: 4000}}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidate_NeuronRequiresControlPlane(t *testing.T) {
	t.Parallel()

	cfg := Config{Neuron: &NeuronConfig{ID: "n1"}}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error")
	}

	cfg.Neuron.ControlPlane = "ws://127.0.0.1:8080/ws"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestSaveLoad_RoundTripWrites0600(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "neuronctl.yaml")
	cfg := Config{ControlPlane: &ControlPlaneConfig{Listen: "127.0.0.1:9090", SyncBatchSize: 8}}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ControlPlane.Listen != "127.0.0.1:9090" || loaded.ControlPlane.SyncBatchSize != 8 {
		t.Fatalf("loaded=%+v", loaded.ControlPlane)
	}
}
