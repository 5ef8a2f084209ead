package watcher

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/streamwatch/internal/connection"
	"github.com/syntrixbase/streamwatch/internal/resume"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

var testKey = resume.Key{Database: "test", Collection: "restaurants"}

type filterFunc func(evt *ChangeEvent) (bool, error)

func (f filterFunc) Match(evt *ChangeEvent) (bool, error) { return f(evt) }

func newTestWatcher(t *testing.T, conn Connector, store resume.Store, h Handler, mutate func(*Options)) *Watcher {
	t.Helper()
	opts := Options{
		Connector:  conn,
		Store:      store,
		Database:   testKey.Database,
		Collection: testKey.Collection,
		Handler:    h,
		Retry:      fastRetry,
		Logger:     testLogger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	w, err := New(opts)
	require.NoError(t, err)
	return w
}

// cancelAt returns a handler hook that cancels the run once the event with
// sequence n has been delivered.
func cancelAt(cancel context.CancelFunc, n int) func(*ChangeEvent, int) error {
	return func(evt *ChangeEvent, _ int) error {
		if tokenData(&evt.Position) == tokenFor(n) {
			cancel()
		}
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	base := Options{
		Connector:  &fakeConnector{},
		Store:      newMemoryStore(),
		Database:   "db",
		Collection: "coll",
		Handler:    &recordingHandler{},
	}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"missing connector", func(o *Options) { o.Connector = nil }},
		{"missing store", func(o *Options) { o.Store = nil }},
		{"missing handler", func(o *Options) { o.Handler = nil }},
		{"missing database", func(o *Options) { o.Database = "" }},
		{"missing collection", func(o *Options) { o.Collection = "" }},
		{"bad fault policy", func(o *Options) { o.FaultPolicy = "ignore" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.mutate(&opts)
			_, err := New(opts)
			assert.Error(t, err)
		})
	}

	w, err := New(base)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, w.State())
	assert.Nil(t, w.LastPosition())
	assert.Equal(t, resume.Key{Database: "db", Collection: "coll"}, w.Key())
}

func TestWatcher_DeliversInOrderAndSavesEachPosition(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &fakeStream{docs: []bson.Raw{
		eventDoc(t, 1, "insert", bson.M{"name": "A"}),
		eventDoc(t, 2, "update", nil),
		eventDoc(t, 3, "delete", nil),
	}, block: true}
	conn := &fakeConnector{sessions: []*fakeSession{{stream: stream}}}
	store := newMemoryStore()
	h := &recordingHandler{fn: cancelAt(cancel, 3)}
	obs := &recordingObserver{}

	w := newTestWatcher(t, conn, store, h, func(o *Options) { o.Observer = obs })
	err := w.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"0001", "0002", "0003"}, h.tokens())
	assert.Equal(t, []string{"0001", "0002", "0003"}, store.saved())
	assert.Equal(t, "0003", tokenData(w.LastPosition()))
	assert.Equal(t, StateStopped, w.State())
	assert.True(t, stream.isClosed())

	connects, released := conn.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, released)

	states, events, _ := obs.snapshot()
	assert.Equal(t, []State{StateConnecting, StateSubscribed, StateConsuming, StateStopped}, states)
	assert.Equal(t, 3, events)
}

func TestWatcher_HandlerFaultContinueDoesNotSavePosition(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &fakeStream{docs: []bson.Raw{
		eventDoc(t, 1, "insert", bson.M{"name": "A"}),
		eventDoc(t, 2, "insert", bson.M{"name": "B"}),
		eventDoc(t, 3, "insert", bson.M{"name": "C"}),
	}, block: true}
	conn := &fakeConnector{sessions: []*fakeSession{{stream: stream}}}
	store := newMemoryStore()
	h := &recordingHandler{fn: func(evt *ChangeEvent, _ int) error {
		switch tokenData(&evt.Position) {
		case tokenFor(2):
			return errors.New("downstream rejected")
		case tokenFor(3):
			cancel()
		}
		return nil
	}}

	w := newTestWatcher(t, conn, store, h, nil)
	err := w.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"0001", "0002", "0003"}, h.tokens())
	assert.Equal(t, []string{"0001", "0003"}, store.saved())
}

func TestWatcher_HandlerPanicIsAFault(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &fakeStream{docs: []bson.Raw{
		eventDoc(t, 1, "insert", nil),
		eventDoc(t, 2, "insert", nil),
	}, block: true}
	conn := &fakeConnector{sessions: []*fakeSession{{stream: stream}}}
	store := newMemoryStore()
	h := &recordingHandler{fn: func(evt *ChangeEvent, _ int) error {
		if tokenData(&evt.Position) == tokenFor(1) {
			panic("boom")
		}
		cancel()
		return nil
	}}

	w := newTestWatcher(t, conn, store, h, nil)
	err := w.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"0002"}, store.saved())
}

func TestWatcher_HandlerFaultRestartRedelivers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := &fakeSession{stream: &fakeStream{docs: []bson.Raw{
		eventDoc(t, 1, "insert", nil),
		eventDoc(t, 2, "insert", nil),
	}}}
	second := &fakeSession{stream: &fakeStream{docs: []bson.Raw{
		eventDoc(t, 2, "insert", nil),
		eventDoc(t, 3, "insert", nil),
	}, block: true}}
	conn := &fakeConnector{sessions: []*fakeSession{first, second}}
	store := newMemoryStore()
	h := &recordingHandler{fn: func(evt *ChangeEvent, attempt int) error {
		switch tokenData(&evt.Position) {
		case tokenFor(2):
			if attempt == 1 {
				return errors.New("temporarily unavailable")
			}
		case tokenFor(3):
			cancel()
		}
		return nil
	}}

	w := newTestWatcher(t, conn, store, h, func(o *Options) { o.FaultPolicy = FaultRestart })
	err := w.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"0001", "0002", "0002", "0003"}, h.tokens())
	assert.Equal(t, []string{"0001", "0002", "0003"}, store.saved())
	assert.Equal(t, "0001", tokenData(second.resumedFrom()))

	connects, released := conn.counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 2, released)
}

func TestWatcher_ReconnectResumesFromDurablePosition(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryStore()
	store.pos[testKey] = positionFor(t, 5)

	first := &fakeSession{stream: &fakeStream{
		docs: []bson.Raw{eventDoc(t, 6, "insert", nil)},
		err:  errors.New("connection reset by peer"),
	}}
	second := &fakeSession{stream: &fakeStream{
		docs:  []bson.Raw{eventDoc(t, 7, "insert", nil)},
		block: true,
	}}
	conn := &fakeConnector{
		connectErrs: []error{errors.New("no reachable servers")},
		sessions:    []*fakeSession{first, second},
	}
	h := &recordingHandler{fn: cancelAt(cancel, 7)}
	obs := &recordingObserver{}

	w := newTestWatcher(t, conn, store, h, func(o *Options) { o.Observer = obs })
	err := w.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "0005", tokenData(first.resumedFrom()))
	assert.Equal(t, "0006", tokenData(second.resumedFrom()))
	assert.Equal(t, []string{"0006", "0007"}, store.saved())

	connects, _ := conn.counts()
	assert.Equal(t, 3, connects)

	states, _, faults := obs.snapshot()
	assert.Contains(t, states, StateFaulted)
	assert.GreaterOrEqual(t, faults, 2)
}

func TestWatcher_UndecodableEventLogsItsPosition(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bad, err := bson.Marshal(bson.M{
		"_id":           bson.M{"_data": "0007"},
		"operationType": int32(5),
	})
	require.NoError(t, err)

	stream := &fakeStream{docs: []bson.Raw{bad, eventDoc(t, 8, "insert", nil)}, block: true}
	conn := &fakeConnector{sessions: []*fakeSession{{stream: stream}}}
	store := newMemoryStore()
	store.pos[testKey] = positionFor(t, 6)
	h := &recordingHandler{fn: cancelAt(cancel, 8)}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	w := newTestWatcher(t, conn, store, h, func(o *Options) { o.Logger = logger })
	err = w.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"0008"}, h.tokens())

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "undecodable event") {
			line = l
		}
	}
	require.NotEmpty(t, line)
	assert.Contains(t, line, "0007")
	assert.NotContains(t, line, "0006")
	assert.NotContains(t, line, "position=none")
}

func TestWatcher_GapAcrossRestartIsReported(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryStore()
	store.pos[testKey] = positionFor(t, 1)

	stream := &fakeStream{docs: []bson.Raw{eventDoc(t, 1000, "insert", nil)}, block: true}
	conn := &fakeConnector{sessions: []*fakeSession{{stream: stream}}}
	h := &recordingHandler{fn: cancelAt(cancel, 1000)}

	w := newTestWatcher(t, conn, store, h, nil)
	err := w.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"1000"}, store.saved())
	assert.Equal(t, 1, w.gaps.gaps)
}

func TestWatcher_LoadFailureIsRetried(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryStore()
	store.loadErr = errors.New("disk busy")

	conn := &fakeConnector{sessions: []*fakeSession{
		{stream: &fakeStream{}},
		{stream: &fakeStream{docs: []bson.Raw{eventDoc(t, 1, "insert", nil)}, block: true}},
	}}
	h := &recordingHandler{fn: cancelAt(cancel, 1)}

	w := newTestWatcher(t, conn, store, h, nil)
	err := w.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"0001"}, store.saved())
}

func TestWatcher_ExpiredTokenIsFatal(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	stored := positionFor(t, 9)
	store.pos[testKey] = stored

	expired := mongo.CommandError{
		Code:    286,
		Name:    "ChangeStreamHistoryLost",
		Message: "Resume of change stream was not possible, as the resume point may no longer be in the oplog",
	}
	session := &fakeSession{subscribeErr: expired}
	conn := &fakeConnector{sessions: []*fakeSession{session, {stream: &fakeStream{block: true}}}}
	h := &recordingHandler{}

	w := newTestWatcher(t, conn, store, h, nil)
	err := w.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResumeTokenExpired)

	var we *WatchError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, ResumeTokenExpired, we.Kind)
	assert.Equal(t, "test/restaurants", we.Stream)
	assert.Equal(t, "0009", tokenData(we.Position))

	var ce mongo.CommandError
	assert.ErrorAs(t, err, &ce)

	// The stored position is neither cleared nor replaced by "now".
	assert.Equal(t, "0009", tokenData(store.get(testKey)))
	assert.Empty(t, store.saved())
	assert.Empty(t, h.tokens())

	connects, released := conn.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, released)
	assert.Equal(t, StateStopped, w.State())
}

func TestWatcher_ExpiredTokenFromStreamError(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	store.pos[testKey] = positionFor(t, 1)

	stream := &fakeStream{err: errors.New("(ChangeStreamHistoryLost) resume token was not found")}
	conn := &fakeConnector{sessions: []*fakeSession{{stream: stream}}}

	w := newTestWatcher(t, conn, store, &recordingHandler{}, nil)
	err := w.Run(context.Background())

	assert.ErrorIs(t, err, ErrResumeTokenExpired)
}

func TestWatcher_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	cause := errors.New("server selection timeout")
	conn := &fakeConnector{connectErrs: []error{cause, cause, cause, cause, cause}}

	w := newTestWatcher(t, conn, newMemoryStore(), &recordingHandler{}, func(o *Options) {
		o.Retry.MaxRetries = 2
	})
	err := w.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryBudgetExhausted)
	assert.ErrorIs(t, err, cause)

	connects, _ := conn.counts()
	assert.Equal(t, 3, connects)
	assert.Equal(t, StateStopped, w.State())
}

func TestWatcher_SaveFailureStops(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	store.saveErr = &resume.StoreError{Kind: resume.Durability, Key: testKey, Err: errors.New("fsync failed")}

	stream := &fakeStream{docs: []bson.Raw{
		eventDoc(t, 1, "insert", nil),
		eventDoc(t, 2, "insert", nil),
	}, block: true}
	conn := &fakeConnector{sessions: []*fakeSession{{stream: stream}}}
	h := &recordingHandler{}

	w := newTestWatcher(t, conn, store, h, nil)
	err := w.Run(context.Background())

	assert.ErrorIs(t, err, ErrStoreFailure)
	assert.ErrorIs(t, err, resume.ErrDurability)
	assert.Equal(t, []string{"0001"}, h.tokens())
	assert.Nil(t, w.LastPosition())
}

func TestWatcher_FilterSkipsButAdvances(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &fakeStream{docs: []bson.Raw{
		eventDoc(t, 1, "insert", nil),
		eventDoc(t, 2, "delete", nil),
		eventDoc(t, 3, "insert", nil),
	}, block: true}
	conn := &fakeConnector{sessions: []*fakeSession{{stream: stream}}}
	store := newMemoryStore()
	h := &recordingHandler{fn: cancelAt(cancel, 3)}

	onlyInserts := filterFunc(func(evt *ChangeEvent) (bool, error) {
		return evt.OperationType == OperationInsert, nil
	})
	w := newTestWatcher(t, conn, store, h, func(o *Options) { o.Filter = onlyInserts })
	err := w.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"0001", "0003"}, h.tokens())
	assert.Equal(t, []string{"0001", "0002", "0003"}, store.saved())
}

func TestWatcher_Invalidate(t *testing.T) {
	t.Parallel()

	stream := &fakeStream{docs: []bson.Raw{
		eventDoc(t, 1, "insert", bson.M{"name": "A"}),
		eventDoc(t, 2, "drop", nil),
		eventDoc(t, 3, "invalidate", nil),
	}}
	conn := &fakeConnector{sessions: []*fakeSession{{stream: stream}}}
	store := newMemoryStore()
	h := &recordingHandler{}

	w := newTestWatcher(t, conn, store, h, nil)
	err := w.Run(context.Background())

	assert.ErrorIs(t, err, ErrStreamInvalidated)
	assert.Equal(t, []string{"0001", "0002", "0003"}, store.saved())

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.events, 3)
	assert.Equal(t, OperationOther, h.events[1].OperationType)
	assert.Equal(t, "drop", h.events[1].RawOperationType)
	assert.Equal(t, OperationOther, h.events[2].OperationType)
	assert.Equal(t, "invalidate", h.events[2].RawOperationType)
}

func TestWatcher_CancelWhileBackingOff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	conn := &fakeConnector{connectErrs: []error{errors.New("unreachable")}}
	w := newTestWatcher(t, conn, newMemoryStore(), &recordingHandler{}, func(o *Options) {
		o.Retry = RetryPolicy{InitialInterval: time.Hour, MaxInterval: time.Hour}
	})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		connects, _ := conn.counts()
		return connects == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, w.State())
}

func TestWatcher_CancelWhileConsuming(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	stream := &fakeStream{block: true}
	conn := &fakeConnector{sessions: []*fakeSession{{stream: stream}}}
	w := newTestWatcher(t, conn, newMemoryStore(), &recordingHandler{}, nil)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.State() == StateConsuming }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, stream.isClosed())
	_, released := conn.counts()
	assert.Equal(t, 1, released)
}

func TestWatch_RequiresHandler(t *testing.T) {
	t.Parallel()
	err := Watch(context.Background(), nil, connection.Descriptor{DatabaseName: "test"}, "restaurants", nil, DefaultRetryPolicy(), newMemoryStore())
	assert.Error(t, err)
}
