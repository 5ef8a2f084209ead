// Command streamwatch-seed runs sample CRUD operations against the watched
// collection so the change stream has something to report.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/syntrixbase/streamwatch/internal/config"
	"github.com/syntrixbase/streamwatch/internal/connection"
	"github.com/syntrixbase/streamwatch/internal/docstore"
)

var ops = map[string]func(ctx context.Context, s *docstore.Store) error{
	"insert": func(ctx context.Context, s *docstore.Store) error {
		id, err := s.InsertOne(ctx, docstore.NewSampleRestaurant("Insert One Restaurant"))
		if err != nil {
			return err
		}
		fmt.Printf("inserted %v\n", id)
		return nil
	},
	"insert-many": func(ctx context.Context, s *docstore.Store) error {
		ids, err := s.CopyFirst(ctx, docstore.InsertManyNames...)
		if err != nil {
			return err
		}
		fmt.Printf("inserted %d documents: %v\n", len(ids), ids)
		return nil
	},
	"update": func(ctx context.Context, s *docstore.Store) error {
		res, err := s.UpdateOne(ctx,
			docstore.ByRestaurantID(docstore.SampleRestaurantID),
			docstore.SetRestaurantID(docstore.RandomRestaurantID()))
		if err != nil {
			return err
		}
		fmt.Printf("matched %d, modified %d\n", res.Matched, res.Modified)
		return nil
	},
	"update-many": func(ctx context.Context, s *docstore.Store) error {
		res, err := s.UpdateMany(ctx, docstore.ByCuisine("Chinese"), docstore.Relocate("Indian", "Brooklyn"))
		if err != nil {
			return err
		}
		fmt.Printf("matched %d, modified %d\n", res.Matched, res.Modified)
		return nil
	},
	"delete": func(ctx context.Context, s *docstore.Store) error {
		r, err := s.FindOneAndDelete(ctx, docstore.ByRestaurantID(docstore.SampleRestaurantID))
		if err != nil {
			return err
		}
		fmt.Printf("deleted %s (%s)\n", r.Name, r.ID.Hex())
		return nil
	},
	"delete-many": func(ctx context.Context, s *docstore.Store) error {
		n, err := s.DeleteMany(ctx, docstore.SeededDocuments())
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d documents\n", n)
		return nil
	},
	"list": func(ctx context.Context, s *docstore.Store) error {
		counts, err := s.ListCollectionNames(ctx)
		if err != nil {
			return err
		}
		for _, c := range counts {
			fmt.Printf("%s\t%d\n", c.Name, c.Count)
		}
		return nil
	},
	"drop": func(ctx context.Context, s *docstore.Store) error {
		if err := s.Drop(ctx); err != nil {
			return err
		}
		fmt.Printf("dropped %s\n", s.Collection())
		return nil
	},
}

func main() {
	configDir := flag.String("config", "configs", "Configuration directory")
	dbName := flag.String("db", "", "Database name (overrides MONGODB_DBNAME)")
	collection := flag.String("collection", docstore.DefaultCollection, "Collection to operate on")
	op := flag.String("op", "insert", "insert|insert-many|update|update-many|delete|delete-many|list|drop")
	flag.Parse()

	run, ok := ops[*op]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown -op %q\n", *op)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	resolver := connection.NewResolver(cfg.Mongo.EnvFile)
	resolver.Overrides = connection.Overrides{
		Host:     cfg.Mongo.Host,
		User:     cfg.Mongo.User,
		Password: cfg.Mongo.Password,
		Options:  cfg.Mongo.Options,
		Scheme:   cfg.Mongo.Scheme,
	}
	name := *dbName
	if name == "" {
		name = cfg.Mongo.DatabaseName
	}
	desc, err := resolver.Resolve(name)
	if err != nil {
		log.Fatalf("Failed to resolve connection: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mgr := connection.NewManager(connection.ManagerOptions{
		PingTimeout: cfg.Mongo.PingTimeout,
		AppName:     "streamwatch-seed",
	})
	h, err := mgr.Connect(ctx, desc)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer func() { _ = mgr.Close(context.Background(), h) }()

	if err := run(ctx, docstore.NewStore(h.Database(), *collection)); err != nil {
		log.Printf("%s failed: %v", *op, err)
		cancel()
		_ = mgr.Close(context.Background(), h)
		os.Exit(1)
	}
}
