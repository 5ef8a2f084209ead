package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.mongodb.org/mongo-driver/bson"
)

const pebbleKeyPrefix = "resume/"

// PebbleOptions configures a PebbleStore.
type PebbleOptions struct {
	// Path is the directory holding the pebble database.
	Path string

	// RejectStale makes Save fail with StalePosition when the new cluster
	// time is behind the stored one.
	RejectStale bool

	Logger *slog.Logger
}

// PebbleStore keeps positions in a local pebble database. Every write is
// synced to disk before Save returns.
type PebbleStore struct {
	db          *pebble.DB
	path        string
	rejectStale bool
	logger      *slog.Logger

	// mu serialises the stale check with the write and guards closed
	mu     sync.Mutex
	closed bool
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens (or creates) the pebble database at opts.Path.
func NewPebbleStore(opts PebbleOptions) (*PebbleStore, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("resume store path is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create resume store directory: %w", err)
	}

	db, err := pebble.Open(opts.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	return &PebbleStore{
		db:          db,
		path:        opts.Path,
		rejectStale: opts.RejectStale,
		logger:      logger.With("component", "resume-store", "backend", "pebble"),
	}, nil
}

// Path returns the database directory.
func (s *PebbleStore) Path() string {
	return s.path
}

func pebbleKey(key Key) []byte {
	return []byte(pebbleKeyPrefix + key.String())
}

// Load implements Store.
func (s *PebbleStore) Load(_ context.Context, key Key) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("resume store is closed")
	}
	return s.load(key)
}

func (s *PebbleStore) load(key Key) (*Position, error) {
	value, closer, err := s.db.Get(pebbleKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read resume position %s: %w", key, err)
	}
	defer closer.Close()

	var rec Record
	if err := bson.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode resume position %s: %w", key, err)
	}
	return rec.position(), nil
}

// Save implements Store.
func (s *PebbleStore) Save(_ context.Context, key Key, pos Position) error {
	if pos.IsZero() {
		return &StoreError{Kind: Durability, Key: key, Err: errors.New("empty resume token")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &StoreError{Kind: Durability, Key: key, Err: errors.New("resume store is closed")}
	}

	if s.rejectStale {
		current, err := s.load(key)
		if err != nil {
			return &StoreError{Kind: Durability, Key: key, Err: err}
		}
		if err := checkStale(key, current, pos); err != nil {
			return err
		}
	}

	data, err := bson.Marshal(newRecord(pos))
	if err != nil {
		return &StoreError{Kind: Durability, Key: key, Err: fmt.Errorf("failed to encode record: %w", err)}
	}

	if err := s.db.Set(pebbleKey(key), data, pebble.Sync); err != nil {
		return &StoreError{Kind: Durability, Key: key, Err: err}
	}
	return nil
}

// Delete removes the stored position for key. Used by operators to
// resynchronise a stream after its position expired.
func (s *PebbleStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("resume store is closed")
	}
	if err := s.db.Delete(pebbleKey(key), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete resume position %s: %w", key, err)
	}
	s.logger.Warn("resume position deleted", "stream", key.String())
	return nil
}

// Close implements Store. Closing twice is a no-op.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close pebble database: %w", err)
	}
	return nil
}
