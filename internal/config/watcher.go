package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// WatcherConfig lists the watched collections and how faults are handled.
type WatcherConfig struct {
	Collections []string `yaml:"collections"`

	// FaultPolicy is continue or restart.
	FaultPolicy string `yaml:"fault_policy"`

	// Pipeline is an optional aggregation pipeline as an extended JSON
	// array, applied to every watched collection.
	Pipeline string `yaml:"pipeline"`

	// GapThreshold logs a warning when consecutive events are further apart
	// in cluster time. Zero uses the watcher default.
	GapThreshold time.Duration `yaml:"gap_threshold"`
}

// DefaultWatcherConfig watches the restaurants collection.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Collections: []string{"restaurants"},
		FaultPolicy: "continue",
	}
}

// ApplyDefaults fills in missing values with defaults
func (c *WatcherConfig) ApplyDefaults() {
	if len(c.Collections) == 0 {
		c.Collections = DefaultWatcherConfig().Collections
	}
	if c.FaultPolicy == "" {
		c.FaultPolicy = "continue"
	}
	if c.GapThreshold < 0 {
		c.GapThreshold = 0
	}
}

// ApplyEnvOverrides applies environment variable overrides.
// STREAMWATCH_COLLECTIONS is comma separated.
func (c *WatcherConfig) ApplyEnvOverrides() {
	var collections string
	envString("COLLECTIONS", &collections)
	if collections != "" {
		c.Collections = nil
		for _, name := range strings.Split(collections, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Collections = append(c.Collections, name)
			}
		}
	}
	envString("FAULT_POLICY", &c.FaultPolicy)
}

func (c *WatcherConfig) ResolvePaths(configDir string) {}

// Validate validates the configuration
func (c *WatcherConfig) Validate() error {
	if len(c.Collections) == 0 {
		return errors.New("watcher.collections must not be empty")
	}
	seen := make(map[string]bool, len(c.Collections))
	for _, name := range c.Collections {
		if name == "" {
			return errors.New("watcher.collections contains an empty name")
		}
		if seen[name] {
			return fmt.Errorf("watcher.collections lists %q twice", name)
		}
		seen[name] = true
	}
	if c.FaultPolicy != "continue" && c.FaultPolicy != "restart" {
		return fmt.Errorf("invalid watcher.fault_policy: %s (must be continue or restart)", c.FaultPolicy)
	}
	if _, err := c.ParsePipeline(); err != nil {
		return err
	}
	return nil
}

// ParsePipeline decodes Pipeline. An empty string yields a nil pipeline.
func (c *WatcherConfig) ParsePipeline() (mongo.Pipeline, error) {
	if strings.TrimSpace(c.Pipeline) == "" {
		return nil, nil
	}
	// Extended JSON must be a document at the top level.
	var wrapper struct {
		Stages []bson.D `bson:"stages"`
	}
	if err := bson.UnmarshalExtJSON([]byte(`{"stages":`+c.Pipeline+`}`), false, &wrapper); err != nil {
		return nil, fmt.Errorf("invalid watcher.pipeline: %w", err)
	}
	return mongo.Pipeline(wrapper.Stages), nil
}

// RetryConfig mirrors the watcher retry policy.
type RetryConfig struct {
	InitialInterval     time.Duration `yaml:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	Multiplier          float64       `yaml:"multiplier"`
	// RandomizationFactor of 0 selects the default; negative disables jitter.
	RandomizationFactor float64       `yaml:"randomization_factor"`
	MaxRetries          int           `yaml:"max_retries"` // 0 = unbounded
	StableAfter         time.Duration `yaml:"stable_after"`
}

// DefaultRetryConfig retries forever with 500ms..30s backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		StableAfter:         30 * time.Second,
	}
}

// ApplyDefaults fills in missing values with defaults
func (c *RetryConfig) ApplyDefaults() {
	d := DefaultRetryConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.Multiplier == 0 {
		c.Multiplier = d.Multiplier
	}
	switch {
	case c.RandomizationFactor == 0:
		c.RandomizationFactor = d.RandomizationFactor
	case c.RandomizationFactor < 0:
		c.RandomizationFactor = 0
	}
	if c.StableAfter <= 0 {
		c.StableAfter = d.StableAfter
	}
}

// ApplyEnvOverrides applies environment variable overrides
func (c *RetryConfig) ApplyEnvOverrides() {
	envInt("RETRY_MAX_RETRIES", &c.MaxRetries)
	envDuration("RETRY_MAX_INTERVAL", &c.MaxInterval)
}

func (c *RetryConfig) ResolvePaths(configDir string) {}

// Validate validates the configuration
func (c *RetryConfig) Validate() error {
	if c.MaxInterval < c.InitialInterval {
		return fmt.Errorf("retry.max_interval (%s) must be >= retry.initial_interval (%s)", c.MaxInterval, c.InitialInterval)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.RandomizationFactor < 0 || c.RandomizationFactor > 1 {
		return fmt.Errorf("retry.randomization_factor must be within [0, 1]")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	return nil
}
