// Package remote provides the RPC transport to the cardvault backend.
// The backend surface is a flat procedure call interface; the sync core
// never sees its query language, only named procedures and JSON payloads.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Procedure names understood by the backend
const (
	// ProcPing is the lightweight health probe
	ProcPing = "ping"

	// ProcBeginTx, ProcCommitTx and ProcRollbackTx bracket a remote transaction
	ProcBeginTx    = "tx.begin"
	ProcCommitTx   = "tx.commit"
	ProcRollbackTx = "tx.rollback"

	// ProcApplyOperation delivers a single queued mutation
	ProcApplyOperation = "op.apply"

	// ProcFetchEntity retrieves the remote copy of an entity for
	// conflict inspection
	ProcFetchEntity = "entity.fetch"
)

// Transport is a single remote session. A Transport is never shared; the
// connection pool hands each one to exactly one caller at a time.
type Transport interface {
	// Call invokes a named procedure and returns the raw result
	Call(ctx context.Context, procedure string, params any) (json.RawMessage, error)

	// Close releases the session
	Close() error
}

// Dialer establishes new remote sessions
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// APIError represents an error response from the backend
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.ErrorCode, e.Message)
}

// Well-known backend error codes
const (
	// ErrCodeVersionConflict signals that the remote copy of an entity has
	// moved past the version the operation was based on. Not a failure;
	// routed to the conflict engine.
	ErrCodeVersionConflict = "version_conflict"
)

// IsVersionConflict reports whether err is a version-conflict response
func IsVersionConflict(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == ErrCodeVersionConflict
}

// IsRetryable reports whether a transport error is worth retrying.
// Auth failures and client-side mistakes are permanent; server and network
// failures are transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		// Network-level failure
		return true
	}
	switch apiErr.StatusCode {
	case 500, 502, 503, 504, 429:
		return true
	}
	return false
}
