// Package ulid provides a type-safe wrapper around github.com/oklog/ulid/v2
// with prefixed identifiers for the different record kinds cardvault stores.
//
// ULIDs are Universally Unique Lexicographically Sortable Identifiers.
// They sort by creation time, which makes them well suited for primary keys
// on the operation queue and conflict history tables.
package ulid

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Common prefixes for the different parts of the application
const (
	// Prefix for card ULIDs
	PrefixCard = "card"

	// Prefix for folder ULIDs
	PrefixFolder = "fld"

	// Prefix for tag ULIDs
	PrefixTag = "tag"

	// Prefix for image ULIDs
	PrefixImage = "img"

	// Prefix for queued operation ULIDs
	PrefixOperation = "op"

	// Prefix for batch ULIDs
	PrefixBatch = "bat"

	// Prefix for conflict record ULIDs
	PrefixConflict = "cfl"

	// Prefix for pool connection ULIDs
	PrefixConnection = "conn"

	// Prefix for sync log ULIDs
	PrefixSync = "sync"

	// PrefixSeparator is used to separate the prefix from the ULID
	PrefixSeparator = "-"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
	// Nil represents the zero value of ULID, useful for nil checks
	Nil = ULID{ulid.ULID{}, ""}
)

// ULID wraps ulid.ULID with an optional prefix and database/JSON integration.
type ULID struct {
	ulid.ULID
	prefix string
}

// Generate creates a new ULID with the current timestamp.
func Generate() ULID {
	return NewWithTime(time.Now())
}

// GenerateWithPrefix creates a new ULID with the current timestamp and a prefix.
// The prefix provides context about what the ID represents (e.g., "card").
func GenerateWithPrefix(prefix string) ULID {
	id := NewWithTime(time.Now())
	id.prefix = prefix
	return id
}

// NewWithTime creates a new ULID with a specific timestamp.
func NewWithTime(t time.Time) ULID {
	entropyLock.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	entropyLock.Unlock()
	return ULID{id, ""}
}

// Parse parses a ULID string and returns the ULID struct.
// It handles both plain ULIDs and prefixed ULIDs
// (e.g., "card-01AN4Z07BY79KA1307SR9X4MV3").
func Parse(id string) (ULID, error) {
	parts := strings.Split(id, PrefixSeparator)

	var rawID string
	var prefix string

	if len(parts) > 1 {
		prefix = parts[0]
		rawID = parts[1]
	} else {
		rawID = id
	}

	parsed, err := ulid.Parse(rawID)
	if err != nil {
		return ULID{}, err
	}

	return ULID{parsed, prefix}, nil
}

// Validate checks if a string is a valid ULID format.
// It supports both plain ULIDs and prefixed ULIDs.
func Validate(id string) bool {
	parts := strings.Split(id, PrefixSeparator)

	var rawID string
	if len(parts) > 1 {
		rawID = parts[1]
	} else {
		rawID = id
	}

	_, err := ulid.Parse(rawID)
	return err == nil
}

// IsZero returns true if the ULID is the zero value (Nil).
func (u ULID) IsZero() bool {
	return u.ULID == ulid.ULID{}
}

// Prefix returns the prefix of the ULID.
func (u ULID) Prefix() string {
	return u.prefix
}

// String returns the string representation of the ULID.
// If the ULID has a prefix, it's included in the format "prefix-ulid".
func (u ULID) String() string {
	if u.prefix != "" {
		return u.prefix + PrefixSeparator + u.ULID.String()
	}
	return u.ULID.String()
}

// Time returns the timestamp component of the ULID.
func (u ULID) Time() time.Time {
	return ulid.Time(u.ULID.Time())
}

// MarshalJSON implements the json.Marshaler interface.
func (u ULID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (u *ULID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Value implements the driver.Valuer interface for database serialization.
func (u ULID) Value() (driver.Value, error) {
	return u.String(), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (u *ULID) Scan(src interface{}) error {
	switch src := src.(type) {
	case nil:
		return nil
	case string:
		parsed, err := Parse(src)
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(src))
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	}
	return fmt.Errorf("cannot scan %T into ULID", src)
}

// Domain-specific ID generation methods

// CardID generates a new ULID with the card prefix
func CardID() string {
	return GenerateWithPrefix(PrefixCard).String()
}

// FolderID generates a new ULID with the folder prefix
func FolderID() string {
	return GenerateWithPrefix(PrefixFolder).String()
}

// TagID generates a new ULID with the tag prefix
func TagID() string {
	return GenerateWithPrefix(PrefixTag).String()
}

// ImageID generates a new ULID with the image prefix
func ImageID() string {
	return GenerateWithPrefix(PrefixImage).String()
}

// OperationID generates a new ULID with the operation prefix
func OperationID() string {
	return GenerateWithPrefix(PrefixOperation).String()
}

// BatchID generates a new ULID with the batch prefix
func BatchID() string {
	return GenerateWithPrefix(PrefixBatch).String()
}

// ConflictID generates a new ULID with the conflict prefix
func ConflictID() string {
	return GenerateWithPrefix(PrefixConflict).String()
}

// ConnectionID generates a new ULID with the connection prefix
func ConnectionID() string {
	return GenerateWithPrefix(PrefixConnection).String()
}

// SyncID generates a new ULID with the sync log prefix
func SyncID() string {
	return GenerateWithPrefix(PrefixSync).String()
}
