package config

import (
	"fmt"
)

// StoreConfig selects where resume positions are persisted.
type StoreConfig struct {
	// Backend is pebble or mongo.
	Backend string `yaml:"backend"`

	// Path is the pebble directory.
	Path string `yaml:"path"`

	// Collection holds positions for the mongo backend.
	Collection string `yaml:"collection"`

	// RejectStale refuses saves that move the position backwards.
	RejectStale bool `yaml:"reject_stale"`
}

// DefaultStoreConfig uses a local pebble database.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:    "pebble",
		Path:       "data/resume",
		Collection: "_streamwatch_resume",
	}
}

// ApplyDefaults fills in missing values with defaults
func (c *StoreConfig) ApplyDefaults() {
	d := DefaultStoreConfig()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.Collection == "" {
		c.Collection = d.Collection
	}
}

// ApplyEnvOverrides applies environment variable overrides
func (c *StoreConfig) ApplyEnvOverrides() {
	envString("STORE_BACKEND", &c.Backend)
	envString("STORE_PATH", &c.Path)
	envBool("STORE_REJECT_STALE", &c.RejectStale)
}

// ResolvePaths resolves the pebble directory against configDir.
func (c *StoreConfig) ResolvePaths(configDir string) {
	c.Path = resolvePath(configDir, c.Path)
}

// Validate validates the configuration
func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case "pebble":
		if c.Path == "" {
			return fmt.Errorf("store.path is required for the pebble backend")
		}
	case "mongo":
		if c.Collection == "" {
			return fmt.Errorf("store.collection is required for the mongo backend")
		}
	default:
		return fmt.Errorf("invalid store.backend: %s (must be pebble or mongo)", c.Backend)
	}
	return nil
}
