package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/streamwatch/internal/resume"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fastRetry keeps reconnect tests quick and deterministic.
var fastRetry = RetryPolicy{
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
	Multiplier:      1.5,
}

func tokenFor(n int) string {
	return fmt.Sprintf("%04d", n)
}

func positionFor(t *testing.T, n int) resume.Position {
	t.Helper()
	raw, err := bson.Marshal(bson.M{"_data": tokenFor(n)})
	require.NoError(t, err)
	return resume.Position{Token: raw, ClusterTime: primitive.Timestamp{T: uint32(n), I: 1}}
}

func tokenData(p *resume.Position) string {
	if p == nil || p.IsZero() {
		return ""
	}
	return p.Token.Lookup("_data").StringValue()
}

// eventDoc builds a server-shaped change event with sequence number n.
func eventDoc(t *testing.T, n int, op string, fullDoc bson.M) bson.Raw {
	t.Helper()
	doc := bson.M{
		"_id":           bson.M{"_data": tokenFor(n)},
		"operationType": op,
		"clusterTime":   primitive.Timestamp{T: uint32(n), I: 1},
		"ns":            bson.M{"db": "test", "coll": "restaurants"},
		"documentKey":   bson.M{"_id": int32(n)},
	}
	if fullDoc != nil {
		doc["fullDocument"] = fullDoc
	}
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	return raw
}

type fakeStream struct {
	mu     sync.Mutex
	docs   []bson.Raw
	idx    int
	cur    bson.Raw
	err    error
	block  bool
	closed bool
}

func (s *fakeStream) Next(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	s.mu.Lock()
	if s.idx < len(s.docs) {
		s.cur = s.docs[s.idx]
		s.idx++
		s.mu.Unlock()
		return true
	}
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
	}
	return false
}

func (s *fakeStream) Decode(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bson.Unmarshal(s.cur, v)
}

func (s *fakeStream) ResumeToken() bson.Raw {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.cur.LookupErr("_id")
	if err != nil {
		return nil
	}
	doc, ok := id.DocumentOK()
	if !ok {
		return nil
	}
	return doc
}

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx < len(s.docs) {
		return nil
	}
	return s.err
}

func (s *fakeStream) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSession struct {
	mu           sync.Mutex
	stream       *fakeStream
	subscribeErr error
	subscribed   bool
	from         *resume.Position
}

func (s *fakeSession) Subscribe(_ context.Context, _ string, from *resume.Position) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = true
	if from != nil {
		cp := *from
		s.from = &cp
	}
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	return s.stream, nil
}

func (s *fakeSession) resumedFrom() *resume.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.from
}

type fakeConnector struct {
	mu          sync.Mutex
	connectErrs []error
	sessions    []*fakeSession
	connects    int
	released    int
}

func (c *fakeConnector) Connect(context.Context) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		return nil, err
	}
	if len(c.sessions) == 0 {
		return nil, errors.New("no sessions left")
	}
	s := c.sessions[0]
	c.sessions = c.sessions[1:]
	return s, nil
}

func (c *fakeConnector) Release(context.Context, Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
}

func (c *fakeConnector) counts() (connects, released int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.released
}

type memoryStore struct {
	mu      sync.Mutex
	pos     map[resume.Key]resume.Position
	saves   []string
	saveErr error
	loadErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{pos: make(map[resume.Key]resume.Position)}
}

func (m *memoryStore) Load(_ context.Context, key resume.Key) (*resume.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		err := m.loadErr
		m.loadErr = nil
		return nil, err
	}
	p, ok := m.pos[key]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memoryStore) Save(_ context.Context, key resume.Key, pos resume.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.pos[key] = pos
	m.saves = append(m.saves, tokenData(&pos))
	return nil
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) saved() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.saves...)
}

func (m *memoryStore) get(key resume.Key) *resume.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pos[key]
	if !ok {
		return nil
	}
	return &p
}

// recordingHandler records every delivered event and lets a test inject
// behaviour per event.
type recordingHandler struct {
	mu     sync.Mutex
	events []*ChangeEvent
	fn     func(evt *ChangeEvent, attempt int) error
	seen   map[string]int
}

func (h *recordingHandler) Handle(_ context.Context, evt *ChangeEvent) error {
	h.mu.Lock()
	if h.seen == nil {
		h.seen = make(map[string]int)
	}
	token := tokenData(&evt.Position)
	h.seen[token]++
	attempt := h.seen[token]
	h.events = append(h.events, evt)
	fn := h.fn
	h.mu.Unlock()

	if fn != nil {
		return fn(evt, attempt)
	}
	return nil
}

func (h *recordingHandler) tokens() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.events))
	for _, evt := range h.events {
		out = append(out, tokenData(&evt.Position))
	}
	return out
}

type recordingObserver struct {
	mu     sync.Mutex
	states []State
	events int
	faults []error
}

func (o *recordingObserver) OnState(_ string, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *recordingObserver) OnEvent(string, resume.Position) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events++
}

func (o *recordingObserver) OnFault(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults = append(o.faults, err)
}

func (o *recordingObserver) snapshot() ([]State, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.states...), o.events, len(o.faults)
}
