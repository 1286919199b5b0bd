// Package store provides the local persistence layer for cards, folders,
// tags and images. All sync machinery reads and writes through this package;
// nothing else touches the entity tables directly.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// EntityKind identifies which entity table a record belongs to
type EntityKind string

const (
	// EntityKindCard represents a knowledge card
	EntityKindCard EntityKind = "card"
	// EntityKindFolder represents a folder in the card hierarchy
	EntityKindFolder EntityKind = "folder"
	// EntityKindTag represents a tag
	EntityKindTag EntityKind = "tag"
	// EntityKindImage represents an image attachment record
	EntityKindImage EntityKind = "image"
)

// Valid reports whether k names a known entity kind
func (k EntityKind) Valid() bool {
	switch k {
	case EntityKindCard, EntityKindFolder, EntityKindTag, EntityKindImage:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrUnknownEntityKind is returned for an unrecognized entity kind
	ErrUnknownEntityKind = errors.New("unknown entity kind")
)

// SchemaError marks a store failure as a schema violation. Schema violations
// are never retried; everything else the store returns is treated as
// transient.
type SchemaError struct {
	Kind   EntityKind
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return "schema violation on " + string(e.Kind) + "." + e.Field + ": " + e.Reason
}

// IsRetryable reports whether a store error may succeed on retry
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SchemaError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownEntityKind) {
		return false
	}
	return true
}

// Record is the common surface of every synced entity
type Record interface {
	RecordID() string
	RecordKind() EntityKind
	Version() int64
	ModifiedAt() time.Time
}

// Card represents a knowledge card
type Card struct {
	ID          string          `json:"id"`
	FolderID    string          `json:"folder_id,omitempty"`
	Title       string          `json:"title"`
	Content     string          `json:"content"`
	Style       json.RawMessage `json:"style,omitempty"`
	SyncVersion int64           `json:"sync_version"`
	Deleted     bool            `json:"deleted"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	SyncedAt    *time.Time      `json:"synced_at,omitempty"`
}

func (c *Card) RecordID() string       { return c.ID }
func (c *Card) RecordKind() EntityKind { return EntityKindCard }
func (c *Card) Version() int64         { return c.SyncVersion }
func (c *Card) ModifiedAt() time.Time  { return c.UpdatedAt }

// Folder represents a folder in the card hierarchy
type Folder struct {
	ID          string          `json:"id"`
	ParentID    string          `json:"parent_id,omitempty"`
	Name        string          `json:"name"`
	Position    int             `json:"position"`
	Style       json.RawMessage `json:"style,omitempty"`
	SyncVersion int64           `json:"sync_version"`
	Deleted     bool            `json:"deleted"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	SyncedAt    *time.Time      `json:"synced_at,omitempty"`
}

func (f *Folder) RecordID() string       { return f.ID }
func (f *Folder) RecordKind() EntityKind { return EntityKindFolder }
func (f *Folder) Version() int64         { return f.SyncVersion }
func (f *Folder) ModifiedAt() time.Time  { return f.UpdatedAt }

// Tag represents a tag
type Tag struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Color       string     `json:"color,omitempty"`
	SyncVersion int64      `json:"sync_version"`
	Deleted     bool       `json:"deleted"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
}

func (t *Tag) RecordID() string       { return t.ID }
func (t *Tag) RecordKind() EntityKind { return EntityKindTag }
func (t *Tag) Version() int64         { return t.SyncVersion }
func (t *Tag) ModifiedAt() time.Time  { return t.UpdatedAt }

// Image represents an image attachment record. Only the metadata is synced;
// blob storage is handled elsewhere.
type Image struct {
	ID          string     `json:"id"`
	CardID      string     `json:"card_id,omitempty"`
	FileName    string     `json:"file_name"`
	ContentHash string     `json:"content_hash"`
	SizeBytes   int64      `json:"size_bytes"`
	SyncVersion int64      `json:"sync_version"`
	Deleted     bool       `json:"deleted"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
}

func (i *Image) RecordID() string       { return i.ID }
func (i *Image) RecordKind() EntityKind { return EntityKindImage }
func (i *Image) Version() int64         { return i.SyncVersion }
func (i *Image) ModifiedAt() time.Time  { return i.UpdatedAt }

// tableFor maps an entity kind to its table name
func tableFor(kind EntityKind) (string, error) {
	switch kind {
	case EntityKindCard:
		return "cards", nil
	case EntityKindFolder:
		return "folders", nil
	case EntityKindTag:
		return "tags", nil
	case EntityKindImage:
		return "images", nil
	default:
		return "", ErrUnknownEntityKind
	}
}
