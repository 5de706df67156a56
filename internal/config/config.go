package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen                = ":8080"
	DefaultStore                 = "memory"
	DefaultEventLog              = "memory"
	DefaultLock                  = "local"
	DefaultHeartbeatIntervalSec  = 30
	DefaultDeepCheckIntervalSec  = 300
	DefaultOfflineThresholdSec   = 120
	DefaultTimeoutThresholdMs    = 5000
	DefaultPingTimeoutMs         = 10000
	DefaultErrorThreshold        = 10
	DefaultErrorWindowSec        = 300
	DefaultHealthRetentionHours  = 24
	DefaultDeepChecksPerSec      = 5
	DefaultMaxRecoveryAttempts   = 3
	DefaultRecoveryIntervalSec   = 10
	DefaultSyncBatchSize         = 5
	DefaultSyncTimeoutSec        = 30
	DefaultLivenessWindowSec     = 60
	DefaultSnapshotIntervalSec   = 60
	DefaultNeuronReconnectSec    = 5
	DefaultNeuronMetricsInterval = 15
)

// Config holds both control-plane and neuron agent settings.
type Config struct {
	ControlPlane *ControlPlaneConfig `yaml:"control_plane,omitempty"`
	Neuron       *NeuronConfig       `yaml:"neuron,omitempty"`
}

// ControlPlaneConfig is used by the supervisor process.
type ControlPlaneConfig struct {
	Listen       string   `yaml:"listen"`
	DataDir      string   `yaml:"data_dir"`
	AdvertiseURL string   `yaml:"advertise_url"`
	Store        string   `yaml:"store"`
	EventLog     string   `yaml:"event_log"`
	Lock         string   `yaml:"lock"`
	RedisAddr    string   `yaml:"redis_addr"`
	STUNServers  []string `yaml:"stun_servers"`

	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
	DeepCheckIntervalSec int `yaml:"deep_check_interval_sec"`
	OfflineThresholdSec  int `yaml:"offline_threshold_sec"`
	TimeoutThresholdMs   int `yaml:"timeout_threshold_ms"`
	PingTimeoutMs        int `yaml:"ping_timeout_ms"`
	ErrorThreshold       int `yaml:"error_threshold"`
	ErrorWindowSec       int `yaml:"error_window_sec"`
	HealthRetentionHours int `yaml:"health_retention_hours"`
	DeepChecksPerSec     int `yaml:"deep_checks_per_sec"`

	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`
	RecoveryIntervalSec int `yaml:"recovery_interval_sec"`

	SyncBatchSize  int `yaml:"sync_batch_size"`
	SyncTimeoutSec int `yaml:"sync_timeout_sec"`

	LivenessWindowSec   int    `yaml:"liveness_window_sec"`
	ProbeOnRegister     *bool  `yaml:"probe_on_register"`
	ConfigWatchDir      string `yaml:"config_watch_dir"`
	SnapshotIntervalSec int    `yaml:"snapshot_interval_sec"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// NeuronConfig is used by the reference neuron agent.
type NeuronConfig struct {
	ID                string         `yaml:"id"`
	Name              string         `yaml:"name"`
	Type              string         `yaml:"type"`
	ControlPlane      string         `yaml:"control_plane"`
	Address           string         `yaml:"address"`
	Capabilities      []string       `yaml:"capabilities"`
	Version           string         `yaml:"version"`
	Environment       string         `yaml:"environment"`
	Metadata          map[string]any `yaml:"metadata"`
	ReconnectSec      int            `yaml:"reconnect_sec"`
	StatusIntervalSec int            `yaml:"status_interval_sec"`
	ConfigPath        string         `yaml:"config_path"`
	ApplyCommand      []string       `yaml:"apply_command"`
	ReloadCommand     []string       `yaml:"reload_command"`
	LogLevel          string         `yaml:"log_level"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.ControlPlane == nil && cfg.Neuron == nil {
		return fmt.Errorf("config must contain control_plane or neuron section")
	}
	if cp := cfg.ControlPlane; cp != nil {
		if cp.Listen == "" {
			return fmt.Errorf("control_plane.listen is required")
		}
		switch cp.Store {
		case "memory":
		case "badger":
			if cp.DataDir == "" {
				return fmt.Errorf("control_plane.data_dir is required for the badger store")
			}
		default:
			return fmt.Errorf("control_plane.store %q is not one of memory, badger", cp.Store)
		}
		switch cp.EventLog {
		case "memory":
		case "sqlite":
			if cp.DataDir == "" {
				return fmt.Errorf("control_plane.data_dir is required for the sqlite event log")
			}
		default:
			return fmt.Errorf("control_plane.event_log %q is not one of memory, sqlite", cp.EventLog)
		}
		switch cp.Lock {
		case "local":
		case "redis":
			if cp.RedisAddr == "" {
				return fmt.Errorf("control_plane.redis_addr is required for the redis lock")
			}
		default:
			return fmt.Errorf("control_plane.lock %q is not one of local, redis", cp.Lock)
		}
		if cp.PingTimeoutMs <= cp.TimeoutThresholdMs {
			return fmt.Errorf("control_plane.ping_timeout_ms must exceed timeout_threshold_ms")
		}
	}
	if n := cfg.Neuron; n != nil {
		if n.ID == "" {
			return fmt.Errorf("neuron.id is required")
		}
		if n.ControlPlane == "" {
			return fmt.Errorf("neuron.control_plane is required")
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cp := cfg.ControlPlane; cp != nil {
		setString(&cp.Listen, DefaultListen)
		setString(&cp.Store, DefaultStore)
		setString(&cp.EventLog, DefaultEventLog)
		setString(&cp.Lock, DefaultLock)
		setInt(&cp.HeartbeatIntervalSec, DefaultHeartbeatIntervalSec)
		setInt(&cp.DeepCheckIntervalSec, DefaultDeepCheckIntervalSec)
		setInt(&cp.OfflineThresholdSec, DefaultOfflineThresholdSec)
		setInt(&cp.TimeoutThresholdMs, DefaultTimeoutThresholdMs)
		setInt(&cp.PingTimeoutMs, DefaultPingTimeoutMs)
		setInt(&cp.ErrorThreshold, DefaultErrorThreshold)
		setInt(&cp.ErrorWindowSec, DefaultErrorWindowSec)
		setInt(&cp.HealthRetentionHours, DefaultHealthRetentionHours)
		setInt(&cp.DeepChecksPerSec, DefaultDeepChecksPerSec)
		setInt(&cp.MaxRecoveryAttempts, DefaultMaxRecoveryAttempts)
		setInt(&cp.RecoveryIntervalSec, DefaultRecoveryIntervalSec)
		setInt(&cp.SyncBatchSize, DefaultSyncBatchSize)
		setInt(&cp.SyncTimeoutSec, DefaultSyncTimeoutSec)
		setInt(&cp.LivenessWindowSec, DefaultLivenessWindowSec)
		setInt(&cp.SnapshotIntervalSec, DefaultSnapshotIntervalSec)
		if cp.ProbeOnRegister == nil {
			v := true
			cp.ProbeOnRegister = &v
		}
	}

	if n := cfg.Neuron; n != nil {
		if n.Name == "" {
			n.Name = n.ID
		}
		setString(&n.Type, "worker")
		setInt(&n.ReconnectSec, DefaultNeuronReconnectSec)
		setInt(&n.StatusIntervalSec, DefaultNeuronMetricsInterval)
	}
}

// Seconds converts an integer config value to a duration.
func Seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// Millis converts an integer config value to a duration.
func Millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}
