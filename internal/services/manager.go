// Package services wires the watchers, the resume store, the sink and the
// health endpoint into one process.
package services

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/syntrixbase/streamwatch/internal/config"
	"github.com/syntrixbase/streamwatch/internal/connection"
	"github.com/syntrixbase/streamwatch/internal/health"
	"github.com/syntrixbase/streamwatch/internal/resume"
	"github.com/syntrixbase/streamwatch/internal/watcher"
)

type Options struct {
	// DatabaseName wins over mongo.database_name and MONGODB_DBNAME.
	DatabaseName string
	RunID        string
	Logger       *slog.Logger
}

type Manager struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	conns       *connection.Manager
	descriptor  connection.Descriptor
	storeHandle *connection.Handle
	store       resume.Store
	handler     watcher.Handler
	sinkCloser  io.Closer
	checker     *health.Checker
	watchers    []*watcher.Watcher

	wg      sync.WaitGroup
	done    chan struct{}
	started atomic.Bool

	mu   sync.Mutex
	errs []error
}

func NewManager(cfg *config.Config, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Logger = logger
	return &Manager{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With("component", "services"),
		done:   make(chan struct{}),
	}
}

// Descriptor returns the resolved connection descriptor.
func (m *Manager) Descriptor() connection.Descriptor {
	return m.descriptor
}

// Checker returns the health checker, nil before Init.
func (m *Manager) Checker() *health.Checker {
	return m.checker
}

func (m *Manager) Watchers() []*watcher.Watcher {
	return m.watchers
}

// Done is closed once every watcher started by Start has returned. It is
// never closed if Start was not called.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err joins the errors of watchers that stopped for a reason other than
// cancellation.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return errors.Join(m.errs...)
}

func (m *Manager) recordErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}
