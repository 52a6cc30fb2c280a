package model

import (
	"fmt"
	"os"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Observer   ObserverConfig   `yaml:"observer"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type DaemonConfig struct {
	SocketName     string `yaml:"socket_name"`
	ConnTimeoutSec int    `yaml:"conn_timeout_sec"`
}

type SchedulerConfig struct {
	CooldownSec       int `yaml:"cooldown_sec"`        // wait between consecutive jobs
	PersistMaxRetries int `yaml:"persist_max_retries"` // checkpoint write attempts before halting
}

type CheckpointConfig struct {
	Backend string `yaml:"backend"` // file, sqlite, or memory
	Dir     string `yaml:"dir"`     // file backend: directory for YAML records
	DSN     string `yaml:"dsn"`     // sqlite backend: database path
}

type ObserverConfig struct {
	ListenAddr string `yaml:"listen_addr"` // websocket hub bind address; empty disables
	BufferSize int    `yaml:"buffer_size"` // per-subscriber event buffer
}

type BridgeConfig struct {
	Endpoint           string `yaml:"endpoint"` // extension bridge websocket URL
	SnapshotTimeoutSec int    `yaml:"snapshot_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.Daemon.SocketName == "" {
		c.Daemon.SocketName = "batchpilot.sock"
	}
	if c.Daemon.ConnTimeoutSec <= 0 {
		c.Daemon.ConnTimeoutSec = 30
	}
	if c.Scheduler.CooldownSec <= 0 {
		c.Scheduler.CooldownSec = 60
	}
	if c.Scheduler.PersistMaxRetries <= 0 {
		c.Scheduler.PersistMaxRetries = 3
	}
	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "file"
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = "checkpoints"
	}
	if c.Checkpoint.DSN == "" {
		c.Checkpoint.DSN = "batchpilot.db"
	}
	if c.Observer.BufferSize <= 0 {
		c.Observer.BufferSize = 100
	}
	if c.Bridge.SnapshotTimeoutSec <= 0 {
		c.Bridge.SnapshotTimeoutSec = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Scheduler.CooldownSec) * time.Second
}

// LoadConfig reads a YAML config file and fills in defaults. A missing file
// is not an error: defaults are returned.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
