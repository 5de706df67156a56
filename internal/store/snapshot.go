package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"neuronctl/internal/model"
)

// Snapshot is a point-in-time copy of the fleet, written periodically so
// `neuronctl status` can report without a running control plane.
type Snapshot struct {
	UpdatedAt time.Time    `yaml:"updated_at"`
	Neurons   []NeuronInfo `yaml:"neurons"`
}

// NeuronInfo is the per-neuron slice of a snapshot.
type NeuronInfo struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Type        string    `yaml:"type"`
	Address     string    `yaml:"address,omitempty"`
	Version     string    `yaml:"version,omitempty"`
	Status      string    `yaml:"status"`
	HealthScore int       `yaml:"health_score"`
	LastCheckIn time.Time `yaml:"last_check_in"`
}

// SnapshotFrom builds a snapshot from the given neurons.
func SnapshotFrom(neurons []model.Neuron) *Snapshot {
	snap := &Snapshot{Neurons: make([]NeuronInfo, 0, len(neurons))}
	for _, n := range neurons {
		snap.Neurons = append(snap.Neurons, NeuronInfo{
			ID:          n.ID,
			Name:        n.Name,
			Type:        n.Type,
			Address:     n.Address,
			Version:     n.Version,
			Status:      string(n.Status),
			HealthScore: n.HealthScore,
			LastCheckIn: n.LastCheckIn,
		})
	}
	return snap
}

// LoadSnapshot loads a snapshot from disk. If the file is missing, returns an empty snapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{}, nil
		}
		return nil, err
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, err
	}

	return &snap, nil
}

// SaveSnapshot writes the snapshot to disk, stamping UpdatedAt if unset.
func SaveSnapshot(path string, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}
