package watcher

import (
	"context"
	"fmt"

	"github.com/syntrixbase/streamwatch/internal/connection"
	"github.com/syntrixbase/streamwatch/internal/resume"
	"go.mongodb.org/mongo-driver/bson"
)

// Stream is an open change stream. *mongo.ChangeStream satisfies it.
type Stream interface {
	// Next blocks until an event is available, the stream fails, or ctx is
	// done.
	Next(ctx context.Context) bool
	Decode(v any) error
	// ResumeToken is the token of the current event, or the batch's
	// post-batch token when the event ends its batch.
	ResumeToken() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

// Session is one live connection able to open subscriptions.
type Session interface {
	Subscribe(ctx context.Context, collection string, from *resume.Position) (Stream, error)
}

// Connector hands out sessions. Each Connect must return a fresh session;
// the watcher never reuses one after a fault.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
	Release(ctx context.Context, s Session)
}

// MongoConnector opens sessions through a connection.Manager.
type MongoConnector struct {
	Manager    *connection.Manager
	Descriptor connection.Descriptor
	Stream     connection.StreamOptions
}

var _ Connector = (*MongoConnector)(nil)

type mongoSession struct {
	handle *connection.Handle
	opts   connection.StreamOptions
}

// Connect implements Connector.
func (c *MongoConnector) Connect(ctx context.Context) (Session, error) {
	h, err := c.Manager.Connect(ctx, c.Descriptor)
	if err != nil {
		return nil, err
	}
	return &mongoSession{handle: h, opts: c.Stream}, nil
}

// Release implements Connector.
func (c *MongoConnector) Release(ctx context.Context, s Session) {
	ms, ok := s.(*mongoSession)
	if !ok || ms == nil {
		return
	}
	_ = c.Manager.Close(ctx, ms.handle)
}

// Subscribe implements Session.
func (s *mongoSession) Subscribe(ctx context.Context, collection string, from *resume.Position) (Stream, error) {
	var token []byte
	if from != nil {
		token = from.Token
	}
	cs, err := s.handle.OpenChangeStream(ctx, collection, token, s.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream on %s: %w", collection, err)
	}
	return cs, nil
}
