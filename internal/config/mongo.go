package config

import (
	"fmt"
	"time"
)

// MongoConfig configures how the connection descriptor is resolved and how
// change streams are opened. Host, User, Password, Options and Scheme
// override the env file and MONGODB_* variables when set.
type MongoConfig struct {
	EnvFile string `yaml:"env_file"`

	// DatabaseName outranks MONGODB_DBNAME from the env file and the
	// process environment. Leave it empty to use those.
	DatabaseName string `yaml:"database_name"`

	Host         string `yaml:"host"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Options      string `yaml:"options"`
	Scheme       string `yaml:"scheme"`

	AppName     string        `yaml:"app_name"`
	PingTimeout time.Duration `yaml:"ping_timeout"`

	// FullDocument is default, updateLookup, whenAvailable or required.
	FullDocument string `yaml:"full_document"`
	BatchSize    int32  `yaml:"batch_size"`
}

var validFullDocument = map[string]bool{
	"default":       true,
	"updateLookup":  true,
	"whenAvailable": true,
	"required":      true,
}

// DefaultMongoConfig returns default connection settings.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		EnvFile:      ".env",
		AppName:      "streamwatch",
		PingTimeout:  10 * time.Second,
		FullDocument: "updateLookup",
	}
}

// ApplyDefaults fills in missing values with defaults
func (c *MongoConfig) ApplyDefaults() {
	d := DefaultMongoConfig()
	if c.EnvFile == "" {
		c.EnvFile = d.EnvFile
	}
	if c.AppName == "" {
		c.AppName = d.AppName
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.FullDocument == "" {
		c.FullDocument = d.FullDocument
	}
}

// ApplyEnvOverrides applies environment variable overrides. The MONGODB_*
// variables are read later by the connection resolver.
func (c *MongoConfig) ApplyEnvOverrides() {
	envString("MONGO_ENV_FILE", &c.EnvFile)
	envString("MONGO_FULL_DOCUMENT", &c.FullDocument)
	envDuration("MONGO_PING_TIMEOUT", &c.PingTimeout)
}

// ResolvePaths is a no-op: the env file is relative to the working
// directory, like the .env convention it follows.
func (c *MongoConfig) ResolvePaths(configDir string) {}

// Validate validates the configuration
func (c *MongoConfig) Validate() error {
	if !validFullDocument[c.FullDocument] {
		return fmt.Errorf("invalid mongo.full_document: %s", c.FullDocument)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("mongo.batch_size must not be negative")
	}
	return nil
}
