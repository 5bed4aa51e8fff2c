// Package config loads engine settings from nesttask.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nesttask/nesttask/internal/engine/netmon"
)

// FileName is the config file the CLI looks for.
const FileName = "nesttask.yaml"

// Config holds every tunable the engine reads at startup.
type Config struct {
	// DBPath is the engine database location.
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	// RemoteBaseURL is the dashboard API the engine syncs against.
	RemoteBaseURL string `yaml:"remote_base_url" mapstructure:"remote_base_url"`

	// ProbeEndpoint is the health URL the network monitor polls.
	ProbeEndpoint string `yaml:"probe_endpoint" mapstructure:"probe_endpoint"`

	// ProbeInterval between connectivity probes.
	ProbeInterval time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`

	// Retention is how long cached records and snapshots are kept.
	Retention time.Duration `yaml:"retention" mapstructure:"retention"`

	// WorkerListenAddr is the worker hub's listen address.
	WorkerListenAddr string `yaml:"worker_listen_addr" mapstructure:"worker_listen_addr"`

	// LogFile is the daemon's rotated log destination. Empty means
	// stderr.
	LogFile string `yaml:"log_file" mapstructure:"log_file"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".nesttask")
	return Config{
		DBPath:           filepath.Join(base, "engine.db"),
		RemoteBaseURL:    "http://localhost:3000",
		ProbeEndpoint:    "http://localhost:3000/api/health",
		ProbeInterval:    15 * time.Second,
		Retention:        7 * 24 * time.Hour,
		WorkerListenAddr: ":8990",
		LogFile:          filepath.Join(base, "daemon.log"),
	}
}

// DefaultPath returns where `nt config init` writes the file.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".nesttask", FileName)
}

// Load reads the config file at path, filling unset keys from Default.
// A missing file is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("remote_base_url", cfg.RemoteBaseURL)
	v.SetDefault("probe_endpoint", cfg.ProbeEndpoint)
	v.SetDefault("probe_interval", cfg.ProbeInterval)
	v.SetDefault("retention", cfg.Retention)
	v.SetDefault("worker_listen_addr", cfg.WorkerListenAddr)
	v.SetDefault("log_file", cfg.LogFile)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to path, creating
// parent directories. Refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// OverridePath returns the network override file location, next to the
// database.
func (c Config) OverridePath() string {
	return filepath.Join(filepath.Dir(c.DBPath), netmon.OverrideFileName)
}
