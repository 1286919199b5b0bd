// Package conflict detects and resolves divergent edits between the local
// store and the remote backend. A conflict record freezes both versions of
// an entity at detection time; resolution picks or merges a winner, writes
// it locally and queues it for sync.
package conflict

import (
	"encoding/json"
	"time"

	"github.com/tildaslashalef/cardvault/internal/store"
)

// Severity grades how dangerous an unattended conflict is
type Severity string

const (
	// SeverityLow covers cosmetic divergence such as styling or colors
	SeverityLow Severity = "low"
	// SeverityMedium covers divergent content edits
	SeverityMedium Severity = "medium"
	// SeverityHigh covers structural divergence such as moves and reordering
	SeverityHigh Severity = "high"
	// SeverityCritical covers a delete racing a modification
	SeverityCritical Severity = "critical"
)

// Status is the lifecycle state of a conflict record
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusIgnored  Status = "ignored"
)

// Choice names a resolution strategy
type Choice string

const (
	ChoiceKeepLocal  Choice = "keep_local"
	ChoiceKeepRemote Choice = "keep_remote"
	ChoiceMerge      Choice = "merge"
	// ChoiceManual means no automatic strategy is safe; a person decides
	ChoiceManual Choice = "manual"
)

// Conflict is one detected divergence. The version snapshots are immutable
// once written; resolution never rewrites what was detected.
type Conflict struct {
	ID                string           `json:"id"`
	EntityKind        store.EntityKind `json:"entity_kind"`
	EntityID          string           `json:"entity_id"`
	LocalVersion      json.RawMessage  `json:"local_version"`
	RemoteVersion     json.RawMessage  `json:"remote_version"`
	ConflictingFields []string         `json:"conflicting_fields"`
	Severity          Severity         `json:"severity"`
	Status            Status           `json:"status"`
	Resolution        Choice           `json:"resolution,omitempty"`
	DetectedAt        time.Time        `json:"detected_at"`
	ResolvedAt        *time.Time       `json:"resolved_at,omitempty"`
}

// Suggestion is the engine's recommended resolution for a conflict
type Suggestion struct {
	Choice     Choice          `json:"choice"`
	Confidence float64         `json:"confidence"`
	Reason     string          `json:"reason"`
	Merged     json.RawMessage `json:"merged,omitempty"`
}

// Snapshot is one side's view of an entity at detection time
type Snapshot struct {
	Version   int64           `json:"sync_version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted"`
	Fields    map[string]any  `json:"-"`
	Raw       json.RawMessage `json:"-"`
}

// SnapshotFromJSON decodes a raw entity document into a snapshot
func SnapshotFromJSON(raw json.RawMessage) (*Snapshot, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	s := &Snapshot{Fields: fields, Raw: raw}

	if v, ok := fields["sync_version"].(float64); ok {
		s.Version = int64(v)
	}
	if v, ok := fields["deleted"].(bool); ok {
		s.Deleted = v
	}
	if v, ok := fields["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			s.UpdatedAt = t
		}
	}

	return s, nil
}

// SnapshotOf freezes a store record into a snapshot
func SnapshotOf(rec store.Record) (*Snapshot, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	s, err := SnapshotFromJSON(raw)
	if err != nil {
		return nil, err
	}
	s.Version = rec.Version()
	s.UpdatedAt = rec.ModifiedAt()
	return s, nil
}

// structuralFields move an entity within the hierarchy
var structuralFields = map[string]bool{
	"folder_id": true,
	"parent_id": true,
	"position":  true,
	"card_id":   true,
}

// contentFields carry the substance of an entity
var contentFields = map[string]bool{
	"title":        true,
	"content":      true,
	"name":         true,
	"file_name":    true,
	"content_hash": true,
	"size_bytes":   true,
}

// cosmeticFields only affect presentation
var cosmeticFields = map[string]bool{
	"style": true,
	"color": true,
}

// comparableFields is every field considered when diffing two snapshots.
// Bookkeeping columns (versions, timestamps) never count as conflicts.
func comparableFields() []string {
	out := make([]string, 0, len(structuralFields)+len(contentFields)+len(cosmeticFields))
	for _, set := range []map[string]bool{contentFields, structuralFields, cosmeticFields} {
		for f := range set {
			out = append(out, f)
		}
	}
	return out
}

// diffFields returns the comparable fields whose values differ
func diffFields(local, remote *Snapshot) []string {
	var fields []string
	for _, f := range comparableFields() {
		lv, lok := local.Fields[f]
		rv, rok := remote.Fields[f]
		if !lok && !rok {
			continue
		}
		if !equalValues(lv, rv) {
			fields = append(fields, f)
		}
	}
	return fields
}

func equalValues(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// classify grades conflicting fields, taking the worst grade present
func classify(local, remote *Snapshot, fields []string) Severity {
	if local.Deleted != remote.Deleted {
		return SeverityCritical
	}

	severity := SeverityLow
	for _, f := range fields {
		switch {
		case structuralFields[f]:
			severity = maxSeverity(severity, SeverityHigh)
		case contentFields[f]:
			severity = maxSeverity(severity, SeverityMedium)
		}
	}
	return severity
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

func maxSeverity(a, b Severity) Severity {
	if severityRank(b) > severityRank(a) {
		return b
	}
	return a
}
