package watcher

import (
	"context"
	"fmt"
)

// Handler applies one change event.
//
// Handle must be idempotent with respect to the event position: after a
// crash or reconnect the same event may be delivered again, and applying it
// twice must not corrupt downstream state. The watcher does not enforce
// this. Handle must also tolerate a nil FullDocument.
type Handler interface {
	Handle(ctx context.Context, evt *ChangeEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt *ChangeEvent) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt *ChangeEvent) error {
	return f(ctx, evt)
}

// EventFilter decides whether an event reaches the handler. Events that do
// not match are treated as handled and their position is saved.
type EventFilter interface {
	Match(evt *ChangeEvent) (bool, error)
}

// FaultPolicy decides what happens when a handler fails.
type FaultPolicy string

const (
	// FaultContinue logs the fault with the event position and moves on to
	// the next event without saving the failed event's position. One bad
	// event does not stall the stream, but it is skipped once a later event
	// succeeds; the log line is the record needed to replay it.
	FaultContinue FaultPolicy = "continue"

	// FaultRestart drops the subscription and reconnects from the last
	// durable position, so the failed event is delivered again. Repeated
	// failures consume the retry budget.
	FaultRestart FaultPolicy = "restart"
)

// Valid reports whether p is a known policy.
func (p FaultPolicy) Valid() bool {
	return p == FaultContinue || p == FaultRestart
}

// safeHandle runs the handler, turning a panic into an error.
func safeHandle(ctx context.Context, h Handler, evt *ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, evt)
}
