package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultPingTimeout bounds the liveness probe issued by Connect and Ping.
const DefaultPingTimeout = 10 * time.Second

// mongoConnect is a variable to allow injecting failures in tests.
var mongoConnect = func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	return mongo.Connect(ctx, opts)
}

// Handle is a live connection. It is owned by the Manager that created it
// and is never repaired in place: once closed, callers ask for a new one.
type Handle struct {
	client *mongo.Client
	db     *mongo.Database
	target string
	closed atomic.Bool
}

// Client returns the underlying driver client.
func (h *Handle) Client() *mongo.Client {
	return h.client
}

// Database returns the database named by the descriptor.
func (h *Handle) Database() *mongo.Database {
	return h.db
}

// Closed reports whether Close has been called on the handle.
func (h *Handle) Closed() bool {
	return h.closed.Load()
}

// StreamOptions tune a change stream subscription.
type StreamOptions struct {
	// FullDocument selects the post-image policy for updates.
	FullDocument options.FullDocument

	// Pipeline is an optional aggregation pipeline applied server side.
	Pipeline mongo.Pipeline

	// BatchSize bounds events per getMore. Zero keeps the server default.
	BatchSize int32
}

// OpenChangeStream subscribes to collection. With a nil resumeAfter the
// stream starts from now; there is no historical backfill.
func (h *Handle) OpenChangeStream(ctx context.Context, collection string, resumeAfter bson.Raw, so StreamOptions) (*mongo.ChangeStream, error) {
	if h.Closed() {
		return nil, fmt.Errorf("connection handle is closed")
	}

	opts := options.ChangeStream()
	if so.FullDocument != "" {
		opts.SetFullDocument(so.FullDocument)
	}
	if so.BatchSize > 0 {
		opts.SetBatchSize(so.BatchSize)
	}
	if len(resumeAfter) > 0 {
		opts.SetResumeAfter(resumeAfter)
	}

	pipeline := so.Pipeline
	if pipeline == nil {
		pipeline = mongo.Pipeline{}
	}
	return h.db.Collection(collection).Watch(ctx, pipeline, opts)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// PingTimeout bounds the liveness probe. Defaults to DefaultPingTimeout.
	PingTimeout time.Duration

	// AppName is reported to the server for diagnostics.
	AppName string

	Logger *slog.Logger
}

// Manager opens, probes and closes handles.
type Manager struct {
	pingTimeout time.Duration
	appName     string
	logger      *slog.Logger
}

// NewManager creates a Manager.
func NewManager(opts ManagerOptions) *Manager {
	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pingTimeout: timeout,
		appName:     opts.AppName,
		logger:      logger.With("component", "connection-manager"),
	}
}

// Connect opens a client for desc and confirms reachability with a ping
// before returning it. Any failure is logged and returned as a
// *ConnectionError carrying the driver error.
func (m *Manager) Connect(ctx context.Context, desc Descriptor) (*Handle, error) {
	target := desc.Redacted()

	clientOpts := options.Client().ApplyURI(desc.URI())
	if clientOpts.ConnectTimeout == nil {
		clientOpts.SetConnectTimeout(m.pingTimeout)
	}
	if clientOpts.ServerSelectionTimeout == nil {
		clientOpts.SetServerSelectionTimeout(m.pingTimeout)
	}
	if m.appName != "" {
		clientOpts.SetAppName(m.appName)
	}

	client, err := mongoConnect(ctx, clientOpts)
	if err != nil {
		m.logger.Error("failed to create client", "target", target, "error", err)
		return nil, &ConnectionError{Target: target, Err: err}
	}

	h := &Handle{
		client: client,
		db:     client.Database(desc.DatabaseName),
		target: target,
	}

	if err := m.probe(ctx, h); err != nil {
		m.logger.Error("ping failed", "target", target, "database", desc.DatabaseName, "error", err)
		_ = m.Close(context.Background(), h)
		return nil, &ConnectionError{Target: target, Err: err}
	}

	m.logger.Info("connected", "target", target, "database", desc.DatabaseName)
	return h, nil
}

// Ping reports whether h answers a ping within the timeout.
func (m *Manager) Ping(ctx context.Context, h *Handle) bool {
	if h == nil || h.Closed() {
		return false
	}
	if err := m.probe(ctx, h); err != nil {
		m.logger.Warn("ping failed", "target", h.target, "error", err)
		return false
	}
	return true
}

func (m *Manager) probe(ctx context.Context, h *Handle) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()
	return h.db.RunCommand(pingCtx, bson.D{{Key: "ping", Value: 1}}).Err()
}

// Close disconnects h. Closing a nil or already closed handle is a no-op.
func (m *Manager) Close(ctx context.Context, h *Handle) error {
	if h == nil || !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	if h.client == nil {
		return nil
	}
	if err := h.client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("failed to disconnect from %s: %w", h.target, err)
	}
	m.logger.Debug("connection closed", "target", h.target)
	return nil
}
