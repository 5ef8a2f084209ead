// Package sink holds the handlers streamwatch ships with: a log printer and
// a NATS JetStream publisher.
package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/syntrixbase/streamwatch/internal/watcher"
	"go.mongodb.org/mongo-driver/bson"
)

// DefaultLogFields are printed from the full document when present.
var DefaultLogFields = []string{"name", "restaurant_id"}

// LogHandler prints each change. It never fails on a well-formed event.
type LogHandler struct {
	logger *slog.Logger
	fields []string
}

// NewLogHandler returns a handler logging fields of the full document, or
// the update description when there is none.
func NewLogHandler(logger *slog.Logger, fields []string) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if len(fields) == 0 {
		fields = DefaultLogFields
	}
	return &LogHandler{
		logger: logger.With("component", "sink.log"),
		fields: fields,
	}
}

var _ watcher.Handler = (*LogHandler)(nil)

// Handle implements watcher.Handler.
func (h *LogHandler) Handle(ctx context.Context, evt *watcher.ChangeEvent) error {
	attrs := []any{
		"operation", evt.RawOperationType,
		"ns", evt.Namespace.DB + "." + evt.Namespace.Coll,
	}
	if id, ok := evt.DocumentID(); ok {
		attrs = append(attrs, "document_id", id.String())
	}

	switch {
	case evt.HasFullDocument():
		for _, f := range h.fields {
			v, err := evt.FullDocument.LookupErr(f)
			if err != nil {
				continue
			}
			attrs = append(attrs, f, displayValue(v))
		}
	case evt.UpdateDescription != nil:
		attrs = append(attrs, "update_description", describeUpdate(evt.UpdateDescription))
	}

	h.logger.InfoContext(ctx, "change detected", attrs...)
	return nil
}

func displayValue(v bson.RawValue) string {
	if s, ok := v.StringValueOK(); ok {
		return s
	}
	return v.String()
}

func describeUpdate(ud *watcher.UpdateDescription) string {
	updated := "{}"
	if len(ud.UpdatedFields) > 0 {
		if b, err := bson.MarshalExtJSON(ud.UpdatedFields, false, false); err == nil {
			updated = string(b)
		}
	}
	return fmt.Sprintf("updated=%s removed=%v truncated=%d", updated, ud.RemovedFields, len(ud.TruncatedArrays))
}
