package services

import (
	"context"
	"fmt"

	"github.com/syntrixbase/streamwatch/internal/config"
	"github.com/syntrixbase/streamwatch/internal/connection"
	"github.com/syntrixbase/streamwatch/internal/filter"
	"github.com/syntrixbase/streamwatch/internal/health"
	"github.com/syntrixbase/streamwatch/internal/resume"
	"github.com/syntrixbase/streamwatch/internal/sink"
	"github.com/syntrixbase/streamwatch/internal/watcher"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var natsSinkFactory = func(ctx context.Context, opts sink.NATSOptions) (*sink.NATSHandler, error) {
	return sink.ConnectNATS(ctx, opts)
}

// Init resolves the connection descriptor and builds every component. It
// only opens a database connection when positions live in MongoDB; the
// watchers connect on Start.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.initDescriptor(); err != nil {
		return err
	}

	m.conns = connection.NewManager(connection.ManagerOptions{
		PingTimeout: m.cfg.Mongo.PingTimeout,
		AppName:     m.cfg.Mongo.AppName,
		Logger:      m.opts.Logger,
	})

	if err := m.initStore(ctx); err != nil {
		return err
	}
	if err := m.initHandler(ctx); err != nil {
		m.closeStore(ctx)
		return err
	}

	m.checker = health.NewChecker(m.opts.RunID, m.opts.Logger)

	if err := m.initWatchers(); err != nil {
		m.closeSink()
		m.closeStore(ctx)
		return err
	}
	return nil
}

func (m *Manager) initDescriptor() error {
	mc := m.cfg.Mongo
	resolver := connection.NewResolver(mc.EnvFile)
	resolver.Overrides = connection.Overrides{
		Host:     mc.Host,
		User:     mc.User,
		Password: mc.Password,
		Options:  mc.Options,
		Scheme:   mc.Scheme,
	}

	dbName := m.opts.DatabaseName
	if dbName == "" {
		dbName = mc.DatabaseName
	}

	desc, err := resolver.Resolve(dbName)
	if err != nil {
		return fmt.Errorf("failed to resolve connection: %w", err)
	}
	if desc.IsPlaceholder() {
		m.logger.Warn("no MongoDB host configured, using placeholder descriptor", "target", desc.Redacted())
	}
	m.descriptor = desc
	m.logger.Info("resolved connection", "target", desc.Redacted(), "database", desc.DatabaseName)
	return nil
}

func (m *Manager) initStore(ctx context.Context) error {
	sc := m.cfg.Store
	switch sc.Backend {
	case "mongo":
		h, err := m.conns.Connect(ctx, m.descriptor)
		if err != nil {
			return fmt.Errorf("failed to connect resume store: %w", err)
		}
		m.storeHandle = h
		m.store = resume.NewMongoStore(h.Database(), sc.Collection, sc.RejectStale)
	default:
		store, err := resume.NewPebbleStore(resume.PebbleOptions{
			Path:        sc.Path,
			RejectStale: sc.RejectStale,
			Logger:      m.opts.Logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open resume store: %w", err)
		}
		m.store = store
	}
	m.logger.Info("resume store ready", "backend", sc.Backend)
	return nil
}

func (m *Manager) initHandler(ctx context.Context) error {
	switch m.cfg.Sink.Kind {
	case "nats":
		nc := m.cfg.Sink.NATS
		h, err := natsSinkFactory(ctx, sink.NATSOptions{
			URL:           nc.URL,
			StreamName:    nc.Stream,
			SubjectPrefix: nc.SubjectPrefix,
			FileStorage:   nc.FileStorage,
			RetryAttempts: nc.RetryAttempts,
			Logger:        m.opts.Logger,
		})
		if err != nil {
			return err
		}
		m.handler = h
		m.sinkCloser = h
	default:
		m.handler = sink.NewLogHandler(m.opts.Logger, m.cfg.Sink.LogFields)
	}
	return nil
}

func (m *Manager) initWatchers() error {
	var eventFilter watcher.EventFilter
	if expr := m.cfg.Filter.Expression; expr != "" {
		evaluator, err := filter.NewEvaluator()
		if err != nil {
			return fmt.Errorf("failed to create filter evaluator: %w", err)
		}
		f, err := evaluator.Filter(expr)
		if err != nil {
			return err
		}
		eventFilter = f
	}

	pipeline, err := m.cfg.Watcher.ParsePipeline()
	if err != nil {
		return err
	}
	streamOpts := connection.StreamOptions{
		FullDocument: options.FullDocument(m.cfg.Mongo.FullDocument),
		Pipeline:     pipeline,
		BatchSize:    m.cfg.Mongo.BatchSize,
	}

	for _, coll := range m.cfg.Watcher.Collections {
		w, err := watcher.New(watcher.Options{
			Connector: &watcher.MongoConnector{
				Manager:    m.conns,
				Descriptor: m.descriptor,
				Stream:     streamOpts,
			},
			Store:        m.store,
			Database:     m.descriptor.DatabaseName,
			Collection:   coll,
			Handler:      m.handler,
			Filter:       eventFilter,
			Retry:        retryPolicy(m.cfg.Retry),
			FaultPolicy:  watcher.FaultPolicy(m.cfg.Watcher.FaultPolicy),
			GapThreshold: m.cfg.Watcher.GapThreshold,
			Observer:     m.checker,
			Logger:       m.opts.Logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create watcher for %s: %w", coll, err)
		}
		m.checker.RegisterStream(w.Key().String())
		m.watchers = append(m.watchers, w)
	}
	return nil
}

func retryPolicy(c config.RetryConfig) watcher.RetryPolicy {
	return watcher.RetryPolicy{
		InitialInterval:     c.InitialInterval,
		MaxInterval:         c.MaxInterval,
		Multiplier:          c.Multiplier,
		RandomizationFactor: c.RandomizationFactor,
		MaxRetries:          c.MaxRetries,
		StableAfter:         c.StableAfter,
	}
}
