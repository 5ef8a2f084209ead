// Package config loads the streamwatch configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STREAMWATCH_"

// Config holds the application configuration
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Watcher WatcherConfig `yaml:"watcher"`
	Retry   RetryConfig   `yaml:"retry"`
	Store   StoreConfig   `yaml:"store"`
	Filter  FilterConfig  `yaml:"filter"`
	Sink    SinkConfig    `yaml:"sink"`
	Health  HealthConfig  `yaml:"health"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: DefaultLoggingConfig(),
		Mongo:   DefaultMongoConfig(),
		Watcher: DefaultWatcherConfig(),
		Retry:   DefaultRetryConfig(),
		Store:   DefaultStoreConfig(),
		Sink:    DefaultSinkConfig(),
		Health:  DefaultHealthConfig(),
	}
}

// LoadConfig loads configuration from configDir and the environment.
// Order: defaults -> config.yml -> config.local.yml -> ApplyDefaults ->
// ApplyEnvOverrides -> ResolvePaths -> Validate
func LoadConfig(configDir string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadFile(filepath.Join(configDir, "config.yml"), cfg); err != nil {
		return nil, err
	}
	if err := loadFile(filepath.Join(configDir, "config.local.yml"), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Apply(configDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Apply runs the configuration lifecycle over every section.
func (c *Config) Apply(configDir string) error {
	if err := ApplyServiceConfigs(configDir,
		&c.Logging,
		&c.Mongo,
		&c.Watcher,
		&c.Retry,
		&c.Store,
		&c.Filter,
		&c.Sink,
		&c.Health,
	); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	return nil
}

// loadFile merges filename into cfg. A missing file is skipped.
func loadFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return nil
}

// resolvePath resolves a relative path the way log and data directories are
// laid out: ".." paths are taken from configDir, anything else from its
// parent, so "data/" ends up next to "config/".
func resolvePath(configDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if len(p) >= 2 && p[0:2] == ".." {
		return filepath.Clean(filepath.Join(configDir, p))
	}
	return filepath.Clean(filepath.Join(filepath.Dir(configDir), p))
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
