package watcher

import (
	"fmt"

	"github.com/syntrixbase/streamwatch/internal/resume"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OperationType is the kind of change an event describes.
type OperationType string

const (
	OperationInsert  OperationType = "insert"
	OperationUpdate  OperationType = "update"
	OperationReplace OperationType = "replace"
	OperationDelete  OperationType = "delete"
	// OperationOther covers every server operation not listed above
	// (drop, rename, invalidate, ...). RawOperationType keeps the name.
	OperationOther OperationType = "other"
)

// operationInvalidate is sent when the watched collection is dropped or
// renamed. The server closes the stream right after it.
const operationInvalidate = "invalidate"

func parseOperationType(s string) OperationType {
	switch op := OperationType(s); op {
	case OperationInsert, OperationUpdate, OperationReplace, OperationDelete:
		return op
	default:
		return OperationOther
	}
}

// Namespace is the database and collection an event belongs to.
type Namespace struct {
	DB   string `bson:"db"`
	Coll string `bson:"coll"`
}

// TruncatedArray describes an array shortened by an update.
type TruncatedArray struct {
	Field   string `bson:"field"`
	NewSize int32  `bson:"newSize"`
}

// UpdateDescription is the delta carried by update events.
type UpdateDescription struct {
	UpdatedFields   bson.Raw         `bson:"updatedFields,omitempty"`
	RemovedFields   []string         `bson:"removedFields,omitempty"`
	TruncatedArrays []TruncatedArray `bson:"truncatedArrays,omitempty"`
}

// ChangeEvent is one entry of a change stream.
//
// FullDocument is nil for deletes, and for updates unless the stream was
// opened with a post-image lookup. Handlers must branch on OperationType and
// tolerate its absence.
type ChangeEvent struct {
	OperationType     OperationType
	RawOperationType  string
	Namespace         Namespace
	DocumentKey       bson.Raw
	FullDocument      bson.Raw
	UpdateDescription *UpdateDescription
	ClusterTime       primitive.Timestamp
	Position          resume.Position
}

// DocumentID returns the _id from the document key.
func (e *ChangeEvent) DocumentID() (bson.RawValue, bool) {
	if len(e.DocumentKey) == 0 {
		return bson.RawValue{}, false
	}
	v, err := e.DocumentKey.LookupErr("_id")
	if err != nil {
		return bson.RawValue{}, false
	}
	return v, true
}

// HasFullDocument reports whether the event carries a document.
func (e *ChangeEvent) HasFullDocument() bool {
	return len(e.FullDocument) > 0
}

// DecodeFullDocument unmarshals the full document into v.
func (e *ChangeEvent) DecodeFullDocument(v any) error {
	if !e.HasFullDocument() {
		return fmt.Errorf("event %s has no full document", e.OperationType)
	}
	return bson.Unmarshal(e.FullDocument, v)
}

// rawEvent is the server's change event document.
type rawEvent struct {
	ResumeToken       bson.Raw            `bson:"_id"`
	OperationType     string              `bson:"operationType"`
	ClusterTime       primitive.Timestamp `bson:"clusterTime"`
	Namespace         Namespace           `bson:"ns"`
	DocumentKey       bson.Raw            `bson:"documentKey,omitempty"`
	FullDocument      bson.RawValue       `bson:"fullDocument"`
	UpdateDescription *UpdateDescription  `bson:"updateDescription,omitempty"`
}

// decodeEvent reads the current stream entry. The position is the event's
// own _id, never the batch-level resume token.
func decodeEvent(s Stream) (*ChangeEvent, error) {
	var raw rawEvent
	if err := s.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode change event: %w", err)
	}
	if len(raw.ResumeToken) == 0 {
		return nil, fmt.Errorf("change event %q has no resume token", raw.OperationType)
	}

	evt := &ChangeEvent{
		OperationType:     parseOperationType(raw.OperationType),
		RawOperationType:  raw.OperationType,
		Namespace:         raw.Namespace,
		DocumentKey:       raw.DocumentKey,
		UpdateDescription: raw.UpdateDescription,
		ClusterTime:       raw.ClusterTime,
		Position: resume.Position{
			Token:       append(bson.Raw(nil), raw.ResumeToken...),
			ClusterTime: raw.ClusterTime,
		},
	}
	if raw.FullDocument.Type == bsontype.EmbeddedDocument {
		evt.FullDocument = raw.FullDocument.Document()
	}
	return evt, nil
}
