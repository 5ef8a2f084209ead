package resume

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// DefaultMongoCollection holds one document per watched stream.
const DefaultMongoCollection = "_streamwatch_resume"

// MongoStore keeps positions in a MongoDB collection. Writes use a
// journaled majority write concern so an acknowledged save survives a
// primary failover.
type MongoStore struct {
	collection  *mongo.Collection
	rejectStale bool
}

var _ Store = (*MongoStore)(nil)

// resumeDoc is the stored document shape.
type resumeDoc struct {
	ID     string `bson:"_id"`
	Record `bson:",inline"`
}

// NewMongoStore returns a store backed by db.collection. An empty collection
// name selects DefaultMongoCollection.
func NewMongoStore(db *mongo.Database, collection string, rejectStale bool) *MongoStore {
	if collection == "" {
		collection = DefaultMongoCollection
	}
	wc := writeconcern.Majority()
	wc.Journal = boolPtr(true)
	return &MongoStore{
		collection:  db.Collection(collection, options.Collection().SetWriteConcern(wc)),
		rejectStale: rejectStale,
	}
}

func boolPtr(b bool) *bool { return &b }

// Load implements Store.
func (s *MongoStore) Load(ctx context.Context, key Key) (*Position, error) {
	var doc resumeDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": key.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load resume position %s: %w", key, err)
	}
	return doc.Record.position(), nil
}

// Save implements Store.
func (s *MongoStore) Save(ctx context.Context, key Key, pos Position) error {
	if pos.IsZero() {
		return &StoreError{Kind: Durability, Key: key, Err: errors.New("empty resume token")}
	}

	if s.rejectStale {
		current, err := s.Load(ctx, key)
		if err != nil {
			return &StoreError{Kind: Durability, Key: key, Err: err}
		}
		if err := checkStale(key, current, pos); err != nil {
			return err
		}
	}

	doc := resumeDoc{ID: key.String(), Record: newRecord(pos)}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts); err != nil {
		return &StoreError{Kind: Durability, Key: key, Err: err}
	}
	return nil
}

// Delete removes the stored position for key.
func (s *MongoStore) Delete(ctx context.Context, key Key) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": key.String()}); err != nil {
		return fmt.Errorf("failed to delete resume position %s: %w", key, err)
	}
	return nil
}

// Close implements Store. The client belongs to the caller.
func (s *MongoStore) Close() error {
	return nil
}
