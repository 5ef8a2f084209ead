// Package docstore performs the CRUD operations that produce change events
// on the watched collections. The watcher never calls it; the seed tool and
// the end-to-end tests do.
package docstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultCollection is the sample collection name.
const DefaultCollection = "restaurants"

// ErrNotFound is returned when a single-document operation matches nothing.
var ErrNotFound = errors.New("docstore: document not found")

// UpdateResult reports matched and modified counts.
type UpdateResult struct {
	Matched  int64
	Modified int64
}

// Store wraps one collection of a database.
type Store struct {
	db   *mongo.Database
	coll *mongo.Collection
}

// NewStore binds to collection in db. An empty name selects DefaultCollection.
func NewStore(db *mongo.Database, collection string) *Store {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Store{db: db, coll: db.Collection(collection)}
}

// Collection returns the collection name.
func (s *Store) Collection() string {
	return s.coll.Name()
}

func (s *Store) InsertOne(ctx context.Context, r Restaurant) (any, error) {
	res, err := s.coll.InsertOne(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("insert restaurant: %w", err)
	}
	return res.InsertedID, nil
}

func (s *Store) InsertMany(ctx context.Context, rs []Restaurant) ([]any, error) {
	if len(rs) == 0 {
		return nil, nil
	}
	docs := make([]any, len(rs))
	for i := range rs {
		docs[i] = rs[i]
	}
	res, err := s.coll.InsertMany(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("insert restaurants: %w", err)
	}
	return res.InsertedIDs, nil
}

// CopyFirst inserts len(names) copies of the first document in the
// collection, each with a new name and a random restaurant_id.
func (s *Store) CopyFirst(ctx context.Context, names ...string) ([]any, error) {
	var first Restaurant
	if err := s.coll.FindOne(ctx, bson.D{}).Decode(&first); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find first restaurant: %w", err)
	}

	copies := make([]Restaurant, len(names))
	for i, name := range names {
		c := first
		c.ID = primitive.NilObjectID
		c.Name = name
		c.RestaurantID = RandomRestaurantID()
		copies[i] = c
	}
	return s.InsertMany(ctx, copies)
}

func (s *Store) UpdateOne(ctx context.Context, filter, update any) (UpdateResult, error) {
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("update restaurant: %w", err)
	}
	return UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (s *Store) UpdateMany(ctx context.Context, filter, update any) (UpdateResult, error) {
	res, err := s.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("update restaurants: %w", err)
	}
	return UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

// FindOneAndDelete removes one matching document and returns it.
func (s *Store) FindOneAndDelete(ctx context.Context, filter any) (*Restaurant, error) {
	var r Restaurant
	err := s.coll.FindOneAndDelete(ctx, filter).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete restaurant: %w", err)
	}
	return &r, nil
}

func (s *Store) DeleteMany(ctx context.Context, filter any) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete restaurants: %w", err)
	}
	return res.DeletedCount, nil
}

// CollectionCount pairs a collection name with its document count.
type CollectionCount struct {
	Name  string
	Count int64
}

// ListCollectionNames lists the database's collections with document counts.
func (s *Store) ListCollectionNames(ctx context.Context) ([]CollectionCount, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	out := make([]CollectionCount, 0, len(names))
	for _, name := range names {
		n, err := s.db.Collection(name).EstimatedDocumentCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		out = append(out, CollectionCount{Name: name, Count: n})
	}
	return out, nil
}

// Drop drops the bound collection. Dropping a missing collection succeeds.
func (s *Store) Drop(ctx context.Context) error {
	if err := s.coll.Drop(ctx); err != nil {
		return fmt.Errorf("drop %s: %w", s.coll.Name(), err)
	}
	return nil
}

// Find returns the documents matching filter, for inspection.
func (s *Store) Find(ctx context.Context, filter any, limit int64) ([]Restaurant, error) {
	cur, err := s.coll.Find(ctx, filter, options.Find().SetLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("find restaurants: %w", err)
	}
	var out []Restaurant
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode restaurants: %w", err)
	}
	return out, nil
}
