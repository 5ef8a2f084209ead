package config

import (
	"fmt"
)

// FilterConfig holds the optional CEL event filter.
type FilterConfig struct {
	Expression string `yaml:"expression"`
}

func (c *FilterConfig) ApplyDefaults() {}

// ApplyEnvOverrides applies environment variable overrides
func (c *FilterConfig) ApplyEnvOverrides() {
	envString("FILTER", &c.Expression)
}

func (c *FilterConfig) ResolvePaths(configDir string) {}

// Validate is a no-op; the expression is compiled at startup.
func (c *FilterConfig) Validate() error { return nil }

// SinkConfig selects the event handler.
type SinkConfig struct {
	// Kind is log or nats.
	Kind string `yaml:"kind"`

	// LogFields are printed from the full document by the log sink.
	LogFields []string `yaml:"log_fields"`

	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig configures the JetStream sink.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
	FileStorage   bool   `yaml:"file_storage"`
	RetryAttempts int    `yaml:"retry_attempts"`
}

// DefaultSinkConfig logs events.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		Kind:      "log",
		LogFields: []string{"name", "restaurant_id"},
		NATS: NATSConfig{
			URL:    "nats://localhost:4222",
			Stream: "STREAMWATCH",
		},
	}
}

// ApplyDefaults fills in missing values with defaults
func (c *SinkConfig) ApplyDefaults() {
	d := DefaultSinkConfig()
	if c.Kind == "" {
		c.Kind = d.Kind
	}
	if len(c.LogFields) == 0 {
		c.LogFields = d.LogFields
	}
	if c.NATS.URL == "" {
		c.NATS.URL = d.NATS.URL
	}
	if c.NATS.Stream == "" && c.NATS.SubjectPrefix == "" {
		c.NATS.Stream = d.NATS.Stream
	}
}

// ApplyEnvOverrides applies environment variable overrides
func (c *SinkConfig) ApplyEnvOverrides() {
	envString("SINK", &c.Kind)
	envString("NATS_URL", &c.NATS.URL)
	envString("NATS_STREAM", &c.NATS.Stream)
}

func (c *SinkConfig) ResolvePaths(configDir string) {}

// Validate validates the configuration
func (c *SinkConfig) Validate() error {
	switch c.Kind {
	case "log":
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("sink.nats.url is required for the nats sink")
		}
	default:
		return fmt.Errorf("invalid sink.kind: %s (must be log or nats)", c.Kind)
	}
	return nil
}

// HealthConfig configures the /health and /metrics endpoint.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefaultHealthConfig serves on :8081.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{Enabled: true, Address: ":8081"}
}

// ApplyDefaults fills in missing values with defaults
func (c *HealthConfig) ApplyDefaults() {
	if c.Address == "" {
		c.Address = DefaultHealthConfig().Address
	}
}

// ApplyEnvOverrides applies environment variable overrides
func (c *HealthConfig) ApplyEnvOverrides() {
	envString("HEALTH_ADDRESS", &c.Address)
	envBool("HEALTH_ENABLED", &c.Enabled)
}

func (c *HealthConfig) ResolvePaths(configDir string) {}

func (c *HealthConfig) Validate() error { return nil }
