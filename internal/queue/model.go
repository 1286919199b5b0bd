// Package queue persists pending sync operations so that work enqueued while
// offline survives restarts and is drained in order once a sync runs.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tildaslashalef/cardvault/internal/store"
	"github.com/tildaslashalef/cardvault/internal/ulid"
)

// OpType is the kind of mutation an operation carries
type OpType string

const (
	OpTypeCreate OpType = "create"
	OpTypeUpdate OpType = "update"
	OpTypeDelete OpType = "delete"
)

// Valid reports whether the operation type is known
func (t OpType) Valid() bool {
	switch t {
	case OpTypeCreate, OpTypeUpdate, OpTypeDelete:
		return true
	}
	return false
}

// Priority orders operations within the queue
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether the priority is known
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Operation is one pending mutation bound for the remote store. The payload
// is a JSON document whose shape depends on the entity kind; deletes carry
// only the entity id.
type Operation struct {
	ID            string           `json:"id"`
	Type          OpType           `json:"type"`
	EntityKind    store.EntityKind `json:"entity_kind"`
	EntityID      string           `json:"entity_id"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
	Priority      Priority         `json:"priority"`
	RetryCount    int              `json:"retry_count"`
	NextAttemptAt time.Time        `json:"next_attempt_at"`
	LastError     string           `json:"last_error,omitempty"`
	EnqueuedAt    time.Time        `json:"enqueued_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// NewOperation builds an operation for a record mutation. The operation id is
// a ULID, so ids generated on one device sort in enqueue order.
func NewOperation(opType OpType, kind store.EntityKind, entityID string, payload any, priority Priority) (*Operation, error) {
	if !opType.Valid() {
		return nil, fmt.Errorf("unknown operation type %q", opType)
	}
	if !kind.Valid() {
		return nil, store.ErrUnknownEntityKind
	}
	if !priority.Valid() {
		priority = PriorityNormal
	}

	op := &Operation{
		ID:         ulid.OperationID(),
		Type:       opType,
		EntityKind: kind,
		EntityID:   entityID,
		Priority:   priority,
	}

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling operation payload: %w", err)
		}
		op.Payload = b
	}

	return op, nil
}

// CardPayload is the wire shape of a card mutation
type CardPayload struct {
	ID          string          `json:"id"`
	FolderID    string          `json:"folder_id,omitempty"`
	Title       string          `json:"title"`
	Content     string          `json:"content"`
	Style       json.RawMessage `json:"style,omitempty"`
	SyncVersion int64           `json:"sync_version"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// FolderPayload is the wire shape of a folder mutation
type FolderPayload struct {
	ID          string          `json:"id"`
	ParentID    string          `json:"parent_id,omitempty"`
	Name        string          `json:"name"`
	Position    int             `json:"position"`
	Style       json.RawMessage `json:"style,omitempty"`
	SyncVersion int64           `json:"sync_version"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TagPayload is the wire shape of a tag mutation
type TagPayload struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Color       string    `json:"color,omitempty"`
	SyncVersion int64     `json:"sync_version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ImagePayload is the wire shape of an image mutation
type ImagePayload struct {
	ID          string    `json:"id"`
	CardID      string    `json:"card_id,omitempty"`
	FileName    string    `json:"file_name"`
	ContentHash string    `json:"content_hash"`
	SizeBytes   int64     `json:"size_bytes"`
	SyncVersion int64     `json:"sync_version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ValidatePayload checks that an operation's payload carries the fields the
// remote store requires for its entity kind. Deletes carry no payload and
// only need an entity id. Violations are schema errors and never retried.
func ValidatePayload(op *Operation) error {
	if op.EntityID == "" {
		return &store.SchemaError{Kind: op.EntityKind, Field: "id", Reason: "missing entity id"}
	}

	if op.Type == OpTypeDelete {
		return nil
	}

	switch op.EntityKind {
	case store.EntityKindCard:
		var p CardPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return &store.SchemaError{Kind: op.EntityKind, Field: "payload", Reason: "malformed payload"}
		}
		if p.Title == "" {
			return &store.SchemaError{Kind: op.EntityKind, Field: "title", Reason: "required"}
		}

	case store.EntityKindFolder:
		var p FolderPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return &store.SchemaError{Kind: op.EntityKind, Field: "payload", Reason: "malformed payload"}
		}
		if p.Name == "" {
			return &store.SchemaError{Kind: op.EntityKind, Field: "name", Reason: "required"}
		}

	case store.EntityKindTag:
		var p TagPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return &store.SchemaError{Kind: op.EntityKind, Field: "payload", Reason: "malformed payload"}
		}
		if p.Name == "" {
			return &store.SchemaError{Kind: op.EntityKind, Field: "name", Reason: "required"}
		}

	case store.EntityKindImage:
		var p ImagePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return &store.SchemaError{Kind: op.EntityKind, Field: "payload", Reason: "malformed payload"}
		}
		if p.FileName == "" {
			return &store.SchemaError{Kind: op.EntityKind, Field: "file_name", Reason: "required"}
		}
		if p.ContentHash == "" {
			return &store.SchemaError{Kind: op.EntityKind, Field: "content_hash", Reason: "required"}
		}

	default:
		return store.ErrUnknownEntityKind
	}

	return nil
}

// Stats summarizes queue depth by priority
type Stats struct {
	Total      int              `json:"total"`
	Ready      int              `json:"ready"`
	ByPriority map[Priority]int `json:"by_priority"`
}
