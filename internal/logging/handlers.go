package logging

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// fanout sends each record to every handler enabled for its level. The
// first handler error is returned after all handlers have run.
type fanout struct {
	handlers []slog.Handler
}

func newFanout(handlers ...slog.Handler) *fanout {
	return &fanout{handlers: handlers}
}

func (h *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanout) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &fanout{handlers: handlers}
}

func (h *fanout) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &fanout{handlers: handlers}
}

// levelFilter passes only records at or above minLevel.
type levelFilter struct {
	handler  slog.Handler
	minLevel slog.Level
}

func newLevelFilter(handler slog.Handler, minLevel slog.Level) *levelFilter {
	return &levelFilter{handler: handler, minLevel: minLevel}
}

func (h *levelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel && h.handler.Enabled(ctx, level)
}

func (h *levelFilter) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.minLevel {
		return nil
	}
	return h.handler.Handle(ctx, r)
}

func (h *levelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelFilter{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *levelFilter) WithGroup(name string) slog.Handler {
	return &levelFilter{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

// maxTracked bounds the suppression table.
const maxTracked = 4096

// repeatSuppressor drops warn and error records identical to one emitted
// within the window. Identity covers level, message, and all attributes
// including those bound with WithAttrs. The first record let through after
// a quiet period carries a "repeated" attribute with the number dropped.
type repeatSuppressor struct {
	next   slog.Handler
	window time.Duration
	prefix uint64
	state  *suppressState
}

type suppressState struct {
	mu   sync.Mutex
	now  func() time.Time
	seen map[uint64]*seenRecord
}

type seenRecord struct {
	last    time.Time
	dropped int
}

func newRepeatSuppressor(next slog.Handler, window time.Duration) *repeatSuppressor {
	return &repeatSuppressor{
		next:   next,
		window: window,
		state: &suppressState{
			now:  time.Now,
			seen: make(map[uint64]*seenRecord),
		},
	}
}

func (h *repeatSuppressor) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *repeatSuppressor) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < slog.LevelWarn {
		return h.next.Handle(ctx, r)
	}

	key := h.recordKey(r)
	s := h.state

	s.mu.Lock()
	now := s.now()
	prev, ok := s.seen[key]
	if ok && now.Sub(prev.last) < h.window {
		prev.dropped++
		s.mu.Unlock()
		return nil
	}
	dropped := 0
	if ok {
		dropped = prev.dropped
	}
	if len(s.seen) >= maxTracked {
		s.evict(now, h.window)
	}
	s.seen[key] = &seenRecord{last: now}
	s.mu.Unlock()

	if dropped > 0 {
		r = r.Clone()
		r.AddAttrs(slog.Int("repeated", dropped))
	}
	return h.next.Handle(ctx, r)
}

// evict drops entries older than window, or everything when all are fresh.
// Caller holds mu.
func (s *suppressState) evict(now time.Time, window time.Duration) {
	for k, v := range s.seen {
		if now.Sub(v.last) >= window {
			delete(s.seen, k)
		}
	}
	if len(s.seen) >= maxTracked {
		s.seen = make(map[uint64]*seenRecord)
	}
}

func (h *repeatSuppressor) recordKey(r slog.Record) uint64 {
	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h.prefix)
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(r.Level.String())
	_, _ = d.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		_, _ = d.WriteString(a.String())
		return true
	})
	return d.Sum64()
}

func (h *repeatSuppressor) derive(next slog.Handler, extra string) *repeatSuppressor {
	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h.prefix)
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(extra)
	return &repeatSuppressor{next: next, window: h.window, prefix: d.Sum64(), state: h.state}
}

func (h *repeatSuppressor) WithAttrs(attrs []slog.Attr) slog.Handler {
	var extra string
	for _, a := range attrs {
		extra += a.String() + "\x00"
	}
	return h.derive(h.next.WithAttrs(attrs), extra)
}

func (h *repeatSuppressor) WithGroup(name string) slog.Handler {
	return h.derive(h.next.WithGroup(name), "group:"+name)
}
