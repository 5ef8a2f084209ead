package watcher

import (
	"errors"
	"fmt"
	"strings"

	"github.com/syntrixbase/streamwatch/internal/resume"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrorKind classifies errors that stop a Watcher.
type ErrorKind int

const (
	// ResumeTokenExpired means the server no longer holds the stored
	// position. Restarting from now would skip events, so an operator has
	// to pick a resynchronisation strategy.
	ResumeTokenExpired ErrorKind = iota
	// RetryBudgetExhausted means transient faults outlasted the retry policy.
	RetryBudgetExhausted
	// StoreFailure means a position could not be persisted.
	StoreFailure
	// StreamInvalidated means the collection was dropped or renamed.
	StreamInvalidated
)

func (k ErrorKind) String() string {
	switch k {
	case ResumeTokenExpired:
		return "resume token expired"
	case RetryBudgetExhausted:
		return "retry budget exhausted"
	case StoreFailure:
		return "store failure"
	case StreamInvalidated:
		return "stream invalidated"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrResumeTokenExpired   = errors.New("resume token expired")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrStoreFailure         = errors.New("resume store failure")
	ErrStreamInvalidated    = errors.New("change stream invalidated")
)

// WatchError is returned by Run for every non-cancellation stop.
type WatchError struct {
	Kind   ErrorKind
	Stream string
	// Position is the last durable position when the watcher stopped.
	Position *resume.Position
	Err      error
}

func (e *WatchError) Error() string {
	msg := fmt.Sprintf("watch %s: %s", e.Stream, e.Kind)
	if e.Position != nil {
		msg += fmt.Sprintf(" (last position %s)", formatPosition(e.Position))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WatchError) Unwrap() error { return e.Err }

func (e *WatchError) Is(target error) bool {
	switch target {
	case ErrResumeTokenExpired:
		return e.Kind == ResumeTokenExpired
	case ErrRetryBudgetExhausted:
		return e.Kind == RetryBudgetExhausted
	case ErrStoreFailure:
		return e.Kind == StoreFailure
	case ErrStreamInvalidated:
		return e.Kind == StreamInvalidated
	}
	return false
}

// Server error codes relevant to resuming.
const (
	codeChangeStreamFatalError  = 280
	codeChangeStreamHistoryLost = 286
)

// resumeExpiredMessages are matched case-insensitively when the server error
// code is unavailable or generic.
var resumeExpiredMessages = []string{
	"resume point may no longer be in the oplog",
	"resume token was not found",
	"changestreamhistorylost",
}

// IsResumeTokenExpired reports whether err means the stored position has
// rotated out of the server's history.
func IsResumeTokenExpired(err error) bool {
	if err == nil {
		return false
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		if se.HasErrorCode(codeChangeStreamHistoryLost) {
			return true
		}
		if se.HasErrorCode(codeChangeStreamFatalError) {
			for _, msg := range resumeExpiredMessages {
				if se.HasErrorMessage(msg) {
					return true
				}
			}
		}
	}

	lower := strings.ToLower(err.Error())
	for _, msg := range resumeExpiredMessages {
		if strings.Contains(lower, msg) {
			return true
		}
	}
	return false
}

func formatPosition(p *resume.Position) string {
	if p == nil || p.IsZero() {
		return "none"
	}
	return p.Token.String()
}
