// Package config loads the optional YAML file shared by the neuromesh
// commands. Every field mirrors a CLI flag and explicit flags win over
// file values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig groups the identity settings shared by every role.
type NodeConfig struct {
	Identity string `yaml:"identity"` // Unique node id, hostname when empty
	Datadir  string `yaml:"datadir"`  // Folder to persist feed state through restarts
	Secret   string `yaml:"secret"`   // Shared secret protecting the snapshot feed
}

// HubConfig groups the settings of the master hub and its endpoint.
type HubConfig struct {
	Addr         string        `yaml:"addr"`          // Listener interface for workers and dashboards
	Port         int           `yaml:"port"`          // Listener port for workers and dashboards
	URL          string        `yaml:"url"`           // WebSocket endpoint for workers and watchers to dial
	StaleTimeout time.Duration `yaml:"stale_timeout"` // Report silence after which a worker is dropped
	GracePeriod  time.Duration `yaml:"grace_period"`  // Retention of disconnected workers in the topology
	QueueSize    int           `yaml:"queue_size"`    // Snapshot queue capacity per dashboard session
}

// WorkerConfig groups the worker agent settings.
type WorkerConfig struct {
	Interval time.Duration `yaml:"interval"` // Cadence of resource reports
}

// FeedConfig groups the snapshot feed settings.
type FeedConfig struct {
	Serve bool   `yaml:"serve"` // Whether the hub mirrors snapshots into NSQ
	Port  int    `yaml:"port"`  // Listener port for feed subscribers
	Addr  string `yaml:"addr"`  // Feed endpoint for watchers to tap instead of the hub
}

// Config is the on-disk configuration of the neuromesh commands. Sections
// irrelevant to a command are ignored by it.
type Config struct {
	Node   NodeConfig   `yaml:"node"`
	Hub    HubConfig    `yaml:"hub"`
	Worker WorkerConfig `yaml:"worker"`
	Feed   FeedConfig   `yaml:"feed"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := new(Config)
	if err := yaml.Unmarshal(blob, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}
