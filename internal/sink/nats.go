package sink

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/syntrixbase/streamwatch/internal/watcher"
	"go.mongodb.org/mongo-driver/bson"
)

// JetStream is the subset of jetstream.JetStream the publisher needs.
type JetStream interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// natsConnect and jetStreamNew are variables to allow mocking in tests.
var (
	natsConnect = func(url string, opts ...nats.Option) (*nats.Conn, error) {
		return nats.Connect(url, opts...)
	}
	jetStreamNew = func(nc *nats.Conn) (JetStream, error) {
		return jetstream.New(nc)
	}
)

// NATSOptions configures the JetStream publisher.
type NATSOptions struct {
	URL string

	// StreamName is created or updated on startup when set.
	StreamName string

	// SubjectPrefix is prepended to <db>.<coll>.<operation>.
	SubjectPrefix string

	// FileStorage selects file-backed streams; memory otherwise.
	FileStorage bool

	RetryAttempts int
	Logger        *slog.Logger
}

// NATSHandler publishes each change event to JetStream. Messages carry the
// resume token as Nats-Msg-Id, so redeliveries after a reconnect are
// dropped by the stream's duplicate window.
type NATSHandler struct {
	js     JetStream
	nc     *nats.Conn
	opts   NATSOptions
	logger *slog.Logger
}

var _ watcher.Handler = (*NATSHandler)(nil)

// ConnectNATS dials opts.URL and returns a handler owning the connection.
func ConnectNATS(ctx context.Context, opts NATSOptions) (*NATSHandler, error) {
	nc, err := natsConnect(opts.URL, nats.Name("streamwatch"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", opts.URL, err)
	}

	js, err := jetStreamNew(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	h, err := NewNATSHandler(ctx, js, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	h.nc = nc
	return h, nil
}

// NewNATSHandler creates a handler over an existing JetStream context.
func NewNATSHandler(ctx context.Context, js JetStream, opts NATSOptions) (*NATSHandler, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream cannot be nil")
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = opts.StreamName
	}
	if opts.SubjectPrefix == "" {
		return nil, fmt.Errorf("subject prefix or stream name is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.StreamName != "" {
		storage := jetstream.MemoryStorage
		if opts.FileStorage {
			storage = jetstream.FileStorage
		}

		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       opts.StreamName,
			Subjects:   []string{opts.SubjectPrefix + ".>"},
			Storage:    storage,
			Duplicates: 2 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ensure stream: %w", err)
		}
	}

	return &NATSHandler{
		js:     js,
		opts:   opts,
		logger: logger.With("component", "sink.nats"),
	}, nil
}

// Handle implements watcher.Handler.
func (h *NATSHandler) Handle(ctx context.Context, evt *watcher.ChangeEvent) error {
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}

	subject := h.Subject(evt)
	publishOpts := []jetstream.PublishOpt{jetstream.WithMsgID(messageID(evt))}
	if h.opts.RetryAttempts > 0 {
		publishOpts = append(publishOpts, jetstream.WithRetryAttempts(h.opts.RetryAttempts))
	}

	if _, err := h.js.Publish(ctx, subject, data, publishOpts...); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	h.logger.Debug("published change", "subject", subject)
	return nil
}

// Subject returns <prefix>.<db>.<coll>.<operation>.
func (h *NATSHandler) Subject(evt *watcher.ChangeEvent) string {
	return strings.Join([]string{
		h.opts.SubjectPrefix,
		subjectToken(evt.Namespace.DB),
		subjectToken(evt.Namespace.Coll),
		subjectToken(evt.RawOperationType),
	}, ".")
}

// Close drains the connection when the handler owns one.
func (h *NATSHandler) Close() error {
	if h.nc == nil {
		return nil
	}
	return h.nc.Drain()
}

// subjectToken keeps names from introducing extra subject levels or
// wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

func messageID(evt *watcher.ChangeEvent) string {
	if data, ok := evt.Position.Token.Lookup("_data").StringValueOK(); ok {
		return data
	}
	return base64.RawURLEncoding.EncodeToString(evt.Position.Token)
}

// encodeEvent renders the event as relaxed extended JSON.
func encodeEvent(evt *watcher.ChangeEvent) ([]byte, error) {
	doc := bson.D{
		{Key: "operationType", Value: evt.RawOperationType},
		{Key: "ns", Value: bson.D{{Key: "db", Value: evt.Namespace.DB}, {Key: "coll", Value: evt.Namespace.Coll}}},
		{Key: "clusterTime", Value: evt.ClusterTime},
		{Key: "resumeToken", Value: evt.Position.Token},
	}
	if len(evt.DocumentKey) > 0 {
		doc = append(doc, bson.E{Key: "documentKey", Value: evt.DocumentKey})
	}
	if evt.HasFullDocument() {
		doc = append(doc, bson.E{Key: "fullDocument", Value: evt.FullDocument})
	}
	if evt.UpdateDescription != nil {
		doc = append(doc, bson.E{Key: "updateDescription", Value: evt.UpdateDescription})
	}

	data, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change event: %w", err)
	}
	return data, nil
}
