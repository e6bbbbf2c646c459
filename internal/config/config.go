package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/pbsched/internal/logging"
)

// ServerConfig holds configuration for the pbsched server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db_path"`    // SQLite database path (":memory:" for testing)

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Hooks     HooksConfig     `yaml:"hooks"`
	Nodes     NodesConfig     `yaml:"nodes"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Agents    AgentsConfig    `yaml:"agents"`
}

// SchedulerConfig tunes the scheduling loop.
type SchedulerConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	MaxCycleRestarts int           `yaml:"max_cycle_restarts"`
	PeriodicInterval time.Duration `yaml:"periodic_interval"`
}

// HooksConfig tunes hook dispatch.
type HooksConfig struct {
	MaxParallelHosts int           `yaml:"max_parallel_hosts"`
	DefaultAlarm     time.Duration `yaml:"default_alarm"`
}

// NodesConfig tunes host liveness.
type NodesConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

// JobsConfig tunes job housekeeping.
type JobsConfig struct {
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AgentsConfig controls host agent authentication.
type AgentsConfig struct {
	// KeysFile is a JSON file of agent keys. Empty with no keys in the
	// environment leaves agent endpoints open.
	KeysFile string `yaml:"keys_file"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		DBPath:    "pbsched.db",
		Scheduler: SchedulerConfig{
			PollInterval:     2 * time.Second,
			MaxCycleRestarts: 3,
			PeriodicInterval: time.Minute,
		},
		Hooks: HooksConfig{
			MaxParallelHosts: 16,
			DefaultAlarm:     30 * time.Second,
		},
		Nodes: NodesConfig{HeartbeatTimeout: 90 * time.Second},
		Jobs:  JobsConfig{PurgeInterval: 30 * time.Second},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load overlays the YAML file at path onto the defaults. Keys missing
// from the file keep their default values.
func Load(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c ServerConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if _, err := logging.LookupLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	if c.Scheduler.MaxCycleRestarts < 0 {
		return fmt.Errorf("scheduler.max_cycle_restarts must not be negative")
	}
	if c.Hooks.MaxParallelHosts < 1 {
		return fmt.Errorf("hooks.max_parallel_hosts must be at least 1")
	}
	return nil
}
