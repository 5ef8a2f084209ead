package connection

import (
	"errors"
	"fmt"
)

// ConfigErrorKind classifies configuration failures. They are fatal: the
// caller has to fix its configuration before retrying.
type ConfigErrorKind int

const (
	// MissingDatabaseName means no source provided a database name.
	MissingDatabaseName ConfigErrorKind = iota
	// InvalidEnvFile means the env file exists but could not be parsed.
	InvalidEnvFile
	// InvalidOptions means the URI options string could not be parsed.
	InvalidOptions
)

func (k ConfigErrorKind) String() string {
	switch k {
	case MissingDatabaseName:
		return "missing database name"
	case InvalidEnvFile:
		return "invalid env file"
	case InvalidOptions:
		return "invalid connection options"
	default:
		return "unknown"
	}
}

// ErrMissingDatabaseName matches ConfigErrors of kind MissingDatabaseName.
var ErrMissingDatabaseName = errors.New("no database name configured")

// ConfigError is returned by Resolver.Resolve.
type ConfigError struct {
	Kind ConfigErrorKind
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return "connection config: " + e.Kind.String()
	}
	return fmt.Sprintf("connection config: %s: %v", e.Kind, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool {
	return target == ErrMissingDatabaseName && e.Kind == MissingDatabaseName
}

// ErrUnreachable matches every ConnectionError.
var ErrUnreachable = errors.New("database unreachable")

// ConnectionError is returned when a handle could not be established. It is
// transient and callers are expected to retry.
type ConnectionError struct {
	// Target is the redacted connection string.
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool {
	return target == ErrUnreachable
}
