package connection

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Keys recognised in the env file and the process environment.
const (
	EnvDatabaseName = "MONGODB_DBNAME"
	EnvHost         = "MONGODB_HOST"
	EnvUser         = "MONGODB_USER"
	EnvPassword     = "MONGODB_PASSWORD"
	EnvOptions      = "MONGODB_OPTIONS"
	EnvScheme       = "MONGODB_SCHEME"
)

// DefaultEnvFile is read from the working directory when present.
const DefaultEnvFile = ".env"

// Overrides are explicit caller-supplied values. They win over every other
// source. Empty fields are ignored.
type Overrides struct {
	Host     string
	User     string
	Password string
	Options  string
	Scheme   string
}

// Resolver builds a Descriptor from, in order of precedence: explicit
// values, the env file, the process environment, placeholders.
type Resolver struct {
	// EnvFile is the env-style file to read. Empty selects DefaultEnvFile.
	EnvFile string

	// Overrides hold explicit values for everything but the database name,
	// which is passed to Resolve.
	Overrides Overrides

	// LookupEnv reads the process environment. Defaults to os.LookupEnv.
	LookupEnv func(key string) (string, bool)
}

// NewResolver returns a resolver reading envFile.
func NewResolver(envFile string) *Resolver {
	return &Resolver{EnvFile: envFile}
}

// Resolve builds the descriptor. It only reads configuration sources.
func (r *Resolver) Resolve(explicitDatabaseName string) (Descriptor, error) {
	file, err := r.readEnvFile()
	if err != nil {
		return Descriptor{}, err
	}

	pick := func(explicit, key string) string {
		if v := strings.TrimSpace(explicit); v != "" {
			return v
		}
		if v := strings.TrimSpace(file.GetString(key)); v != "" {
			return v
		}
		if v, ok := r.lookupEnv(key); ok {
			return strings.TrimSpace(v)
		}
		return ""
	}

	desc := Descriptor{
		DatabaseName: pick(explicitDatabaseName, EnvDatabaseName),
		Host:         pick(r.Overrides.Host, EnvHost),
		Scheme:       pick(r.Overrides.Scheme, EnvScheme),
	}
	if desc.DatabaseName == "" {
		return Descriptor{}, &ConfigError{Kind: MissingDatabaseName}
	}
	if desc.Scheme == "" {
		desc.Scheme = DefaultScheme
	}

	user := pick(r.Overrides.User, EnvUser)
	password := pick(r.Overrides.Password, EnvPassword)
	if user != "" && password != "" {
		desc.Credentials = &Credentials{User: user, Password: password}
	}

	rawOptions := pick(r.Overrides.Options, EnvOptions)
	if rawOptions == "" {
		rawOptions = DefaultOptions
	}
	opts, err := url.ParseQuery(rawOptions)
	if err != nil {
		return Descriptor{}, &ConfigError{Kind: InvalidOptions, Err: err}
	}
	desc.Options = opts

	return desc, nil
}

// readEnvFile loads the env file. A missing file yields an empty viper.
func (r *Resolver) readEnvFile() (*viper.Viper, error) {
	path := r.EnvFile
	if path == "" {
		path = DefaultEnvFile
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return viper.New(), nil
		}
		return nil, &ConfigError{Kind: InvalidEnvFile, Err: err}
	}
	return v, nil
}

func (r *Resolver) lookupEnv(key string) (string, bool) {
	lookup := r.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}
