// Package watcher consumes a MongoDB change stream with at-least-once
// delivery: each event is handed to a Handler in arrival order and its
// position is persisted only after the handler succeeds.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/syntrixbase/streamwatch/internal/connection"
	"github.com/syntrixbase/streamwatch/internal/metrics"
	"github.com/syntrixbase/streamwatch/internal/resume"
)

// releaseTimeout bounds closing a stream or handle after the run context
// is already done.
const releaseTimeout = 5 * time.Second

var errStreamClosed = errors.New("change stream closed by server")

// Observer receives lifecycle notifications. Calls are made from the watch
// goroutine and must not block.
type Observer interface {
	OnState(stream string, state State)
	OnEvent(stream string, pos resume.Position)
	OnFault(stream string, err error)
}

// Options configures a Watcher.
type Options struct {
	Connector  Connector
	Store      resume.Store
	Database   string
	Collection string
	Handler    Handler

	// Filter is optional.
	Filter EventFilter

	Retry       RetryPolicy
	FaultPolicy FaultPolicy

	// GapThreshold is the cluster time distance between consecutive events
	// that is reported as a gap. Zero selects DefaultGapThreshold.
	GapThreshold time.Duration

	// Observer is optional.
	Observer Observer
	Logger   *slog.Logger
}

// Watcher runs one sequential watch loop over one collection.
type Watcher struct {
	connector   Connector
	store       resume.Store
	key         resume.Key
	stream      string
	handler     Handler
	filter      EventFilter
	retry       RetryPolicy
	faultPolicy FaultPolicy
	observer    Observer
	logger      *slog.Logger
	gaps        *gapDetector

	state   atomic.Int32
	durable atomic.Pointer[resume.Position]
	running atomic.Bool
}

// New validates opts and returns an idle Watcher.
func New(opts Options) (*Watcher, error) {
	if opts.Connector == nil {
		return nil, errors.New("watcher: connector is required")
	}
	if opts.Store == nil {
		return nil, errors.New("watcher: resume store is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("watcher: handler is required")
	}
	if opts.Database == "" || opts.Collection == "" {
		return nil, errors.New("watcher: database and collection are required")
	}

	policy := opts.FaultPolicy
	if policy == "" {
		policy = FaultContinue
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("watcher: unknown fault policy %q", policy)
	}

	key := resume.Key{Database: opts.Database, Collection: opts.Collection}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		connector:   opts.Connector,
		store:       opts.Store,
		key:         key,
		stream:      key.String(),
		handler:     opts.Handler,
		filter:      opts.Filter,
		retry:       opts.Retry.withDefaults(),
		faultPolicy: policy,
		observer:    opts.Observer,
		logger:      logger.With("component", "watcher", "stream", key.String()),
	}
	w.gaps = newGapDetector(opts.GapThreshold, w.logger)
	return w, nil
}

// Watch resolves the common case: watch collection on the database named by
// desc, connecting through mgr.
func Watch(ctx context.Context, mgr *connection.Manager, desc connection.Descriptor, collection string,
	handler Handler, retry RetryPolicy, store resume.Store, opts ...func(*Options)) error {
	o := Options{
		Connector: &MongoConnector{
			Manager:    mgr,
			Descriptor: desc,
			Stream:     connection.StreamOptions{FullDocument: "updateLookup"},
		},
		Store:      store,
		Database:   desc.DatabaseName,
		Collection: collection,
		Handler:    handler,
		Retry:      retry,
	}
	for _, fn := range opts {
		fn(&o)
	}

	w, err := New(o)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Key returns the stream identity used for the resume store.
func (w *Watcher) Key() resume.Key {
	return w.key
}

// State returns the current lifecycle state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// LastPosition returns the last durable position known to this watcher.
func (w *Watcher) LastPosition() *resume.Position {
	return w.durable.Load()
}

func (w *Watcher) setState(s State) {
	prev := State(w.state.Swap(int32(s)))
	metrics.WatcherState.WithLabelValues(w.stream).Set(float64(s))
	if prev != s {
		w.logger.Info("state changed",
			"from", prev.String(),
			"to", s.String(),
			"position", formatPosition(w.LastPosition()),
		)
	}
	if w.observer != nil {
		w.observer.OnState(w.stream, s)
	}
}

// Run watches until ctx is cancelled or a fatal error occurs. It returns
// ctx.Err() on cancellation and a *WatchError otherwise. The stored
// position is never rewound or cleared.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("watcher: already running")
	}
	defer w.running.Store(false)

	bo := w.retry.newBackOff()

	for {
		if err := ctx.Err(); err != nil {
			return w.stop(err)
		}

		w.setState(StateConnecting)
		session, err := w.connector.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return w.stop(ctx.Err())
			}
			w.logger.Warn("connect failed", "error", err)
			w.notifyFault(err)
			if err := w.wait(ctx, bo, err); err != nil {
				return w.stop(err)
			}
			continue
		}

		err = w.consume(ctx, session, bo)
		w.release(session)

		if ctx.Err() != nil {
			return w.stop(ctx.Err())
		}
		var watchErr *WatchError
		if errors.As(err, &watchErr) {
			return w.stop(err)
		}

		w.setState(StateFaulted)
		w.logger.Warn("subscription faulted, reconnecting from last durable position",
			"error", err,
			"position", formatPosition(w.LastPosition()),
		)
		w.notifyFault(err)
		if err := w.wait(ctx, bo, err); err != nil {
			return w.stop(err)
		}
	}
}

// consume runs one subscription. A nil return never happens: the loop ends
// with ctx's error, a *WatchError, or a transient error.
func (w *Watcher) consume(ctx context.Context, session Session, bo backoff.BackOff) error {
	w.setState(StateSubscribed)

	from, err := w.store.Load(ctx, w.key)
	if err != nil {
		metrics.StoreErrors.WithLabelValues(w.stream, "load").Inc()
		return fmt.Errorf("failed to load resume position: %w", err)
	}
	w.durable.Store(from)

	if from != nil {
		if w.gaps.record(*from) {
			metrics.StreamGaps.WithLabelValues(w.stream).Inc()
		}
		w.logger.Info("resuming", "position", formatPosition(from))
	} else {
		w.logger.Info("no stored position, starting from now")
	}

	stream, err := session.Subscribe(ctx, w.key.Collection, from)
	if err != nil {
		return w.classify(err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		_ = stream.Close(closeCtx)
	}()

	openedAt := time.Now()
	w.setState(StateConsuming)

	invalidated := false
	for stream.Next(ctx) {
		evt, err := decodeEvent(stream)
		if err != nil {
			metrics.HandlerFaults.WithLabelValues(w.stream).Inc()
			at := &resume.Position{Token: stream.ResumeToken()}
			w.logger.Error("undecodable event", "error", err, "position", formatPosition(at))
			w.notifyFault(err)
			if w.faultPolicy == FaultRestart {
				return err
			}
			continue
		}
		if evt.RawOperationType == operationInvalidate {
			invalidated = true
		}

		if err := w.dispatch(ctx, evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.HandlerFaults.WithLabelValues(w.stream).Inc()
			w.logger.Error("handler failed",
				"error", err,
				"operation", evt.RawOperationType,
				"position", formatPosition(&evt.Position),
			)
			w.notifyFault(err)
			if w.faultPolicy == FaultRestart {
				return fmt.Errorf("handler failed at position %s: %w", formatPosition(&evt.Position), err)
			}
			continue
		}

		if err := w.save(ctx, evt.Position); err != nil {
			return err
		}
		bo.Reset()
	}

	if time.Since(openedAt) >= w.retry.StableAfter {
		bo.Reset()
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := stream.Err(); err != nil {
		return w.classify(err)
	}
	if invalidated {
		return &WatchError{Kind: StreamInvalidated, Stream: w.stream, Position: w.LastPosition()}
	}
	return errStreamClosed
}

// dispatch filters and handles one event.
func (w *Watcher) dispatch(ctx context.Context, evt *ChangeEvent) error {
	if w.filter != nil {
		ok, err := w.filter.Match(evt)
		if err != nil {
			return fmt.Errorf("filter: %w", err)
		}
		if !ok {
			metrics.EventsFiltered.WithLabelValues(w.stream).Inc()
			return nil
		}
	}

	start := time.Now()
	err := safeHandle(ctx, w.handler, evt)
	metrics.HandleLatency.WithLabelValues(w.stream).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	metrics.EventsHandled.WithLabelValues(w.stream, string(evt.OperationType)).Inc()
	return nil
}

// save persists pos. Failing to do so stops the watcher: a position that
// was not saved must never be treated as saved.
func (w *Watcher) save(ctx context.Context, pos resume.Position) error {
	if err := w.store.Save(ctx, w.key, pos); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.StoreErrors.WithLabelValues(w.stream, "save").Inc()
		return &WatchError{Kind: StoreFailure, Stream: w.stream, Position: w.LastPosition(), Err: err}
	}

	saved := pos
	w.durable.Store(&saved)
	metrics.PositionsSaved.WithLabelValues(w.stream).Inc()
	metrics.LastPositionTime.WithLabelValues(w.stream).Set(float64(pos.ClusterTime.T))
	if w.gaps.record(pos) {
		metrics.StreamGaps.WithLabelValues(w.stream).Inc()
	}
	if w.observer != nil {
		w.observer.OnEvent(w.stream, pos)
	}
	return nil
}

// classify turns a subscription error into a fatal *WatchError when it
// cannot be fixed by reconnecting.
func (w *Watcher) classify(err error) error {
	if IsResumeTokenExpired(err) {
		return &WatchError{Kind: ResumeTokenExpired, Stream: w.stream, Position: w.LastPosition(), Err: err}
	}
	return err
}

// wait sleeps for the next backoff interval. It returns a RetryBudgetExhausted
// error when the policy gives up, or ctx's error if cancelled while waiting.
func (w *Watcher) wait(ctx context.Context, bo backoff.BackOff, cause error) error {
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		return &WatchError{Kind: RetryBudgetExhausted, Stream: w.stream, Position: w.LastPosition(), Err: cause}
	}

	metrics.Reconnects.WithLabelValues(w.stream).Inc()
	w.logger.Info("retrying", "delay", delay.String())

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Watcher) release(session Session) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	w.connector.Release(ctx, session)
}

func (w *Watcher) stop(err error) error {
	w.setState(StateStopped)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		w.logger.Info("watcher stopped", "position", formatPosition(w.LastPosition()))
	} else {
		w.logger.Error("watcher stopped", "error", err, "position", formatPosition(w.LastPosition()))
		w.notifyFault(err)
	}
	return err
}

func (w *Watcher) notifyFault(err error) {
	if w.observer != nil {
		w.observer.OnFault(w.stream, err)
	}
}
