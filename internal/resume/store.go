// Package resume persists change stream positions so a watcher can pick up
// where it left off after a restart.
package resume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Key identifies one watched stream.
type Key struct {
	Database   string
	Collection string
}

func (k Key) String() string {
	return k.Database + "/" + k.Collection
}

// Position marks "everything up to and including this event has been applied".
// Token is the server's resume token and is only ever stored and replayed
// verbatim. ClusterTime is reported by the server next to the token.
type Position struct {
	Token       bson.Raw
	ClusterTime primitive.Timestamp
}

// IsZero reports whether the position carries no token.
func (p Position) IsZero() bool {
	return len(p.Token) == 0
}

// Record is the persisted form of a position.
type Record struct {
	Token       []byte              `bson:"token"`
	ClusterTime primitive.Timestamp `bson:"cluster_time"`
	UpdatedAt   time.Time           `bson:"updated_at"`
}

func newRecord(pos Position) Record {
	return Record{
		Token:       append([]byte(nil), pos.Token...),
		ClusterTime: pos.ClusterTime,
		UpdatedAt:   time.Now().UTC(),
	}
}

func (r Record) position() *Position {
	return &Position{
		Token:       bson.Raw(append([]byte(nil), r.Token...)),
		ClusterTime: r.ClusterTime,
	}
}

// Store persists the last applied position per stream.
type Store interface {
	// Load returns the stored position, or nil when none exists.
	Load(ctx context.Context, key Key) (*Position, error)

	// Save persists pos for key. A nil error means the write is durable.
	Save(ctx context.Context, key Key, pos Position) error

	// Close releases the underlying storage.
	Close() error
}

// StoreErrorKind classifies store failures.
type StoreErrorKind int

const (
	// Durability means the position could not be made durable.
	Durability StoreErrorKind = iota
	// StalePosition means the position is older than the stored one.
	StalePosition
)

func (k StoreErrorKind) String() string {
	switch k {
	case Durability:
		return "durability"
	case StalePosition:
		return "stale_position"
	default:
		return "unknown"
	}
}

var (
	// ErrDurability matches StoreErrors of kind Durability.
	ErrDurability = errors.New("resume position not durable")
	// ErrStalePosition matches StoreErrors of kind StalePosition.
	ErrStalePosition = errors.New("resume position is stale")
)

// StoreError reports a failed save or load.
type StoreError struct {
	Kind StoreErrorKind
	Key  Key
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resume store %s: %s", e.Key, e.Kind)
	}
	return fmt.Sprintf("resume store %s: %s: %v", e.Key, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels.
func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrDurability:
		return e.Kind == Durability
	case ErrStalePosition:
		return e.Kind == StalePosition
	}
	return false
}

// checkStale returns a StalePosition error when next is strictly behind
// current. Events of one transaction share a cluster time, so equal times
// are accepted.
func checkStale(key Key, current *Position, next Position) error {
	if current == nil || next.ClusterTime.IsZero() || current.ClusterTime.IsZero() {
		return nil
	}
	if next.ClusterTime.Compare(current.ClusterTime) < 0 {
		return &StoreError{
			Kind: StalePosition,
			Key:  key,
			Err: fmt.Errorf("cluster time %d.%d is behind stored %d.%d",
				next.ClusterTime.T, next.ClusterTime.I,
				current.ClusterTime.T, current.ClusterTime.I),
		}
	}
	return nil
}
