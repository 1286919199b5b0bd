// Package sync orchestrates pushing queued local mutations to the backend,
// routing version conflicts to the conflict engine and keeping an audit
// trail of every run.
package sync

import (
	"errors"
	"time"

	"github.com/tildaslashalef/cardvault/internal/remote"
)

// SyncType records how a sync run was initiated
type SyncType string

const (
	// SyncTypeManual is a run started by an explicit user command
	SyncTypeManual SyncType = "manual"
	// SyncTypeScheduled is a run started by the background interval loop
	SyncTypeScheduled SyncType = "scheduled"
	// SyncTypeForced is a run that bypasses the paused state
	SyncTypeForced SyncType = "forced"
)

// SyncErrorType classifies what went wrong during a sync run
type SyncErrorType string

const (
	SyncErrorTypeNetwork SyncErrorType = "network"
	SyncErrorTypeAuth    SyncErrorType = "auth"
	SyncErrorTypeServer  SyncErrorType = "server"
	SyncErrorTypeClient  SyncErrorType = "client"
	SyncErrorTypeLocked  SyncErrorType = "locked"
	SyncErrorTypeUnknown SyncErrorType = "unknown"
)

// classifyError maps a transport error to an error type for the audit log
func classifyError(err error) SyncErrorType {
	if err == nil {
		return ""
	}
	var apiErr remote.APIError
	if !errors.As(err, &apiErr) {
		return SyncErrorTypeNetwork
	}
	switch {
	case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
		return SyncErrorTypeAuth
	case apiErr.StatusCode >= 500:
		return SyncErrorTypeServer
	case apiErr.StatusCode >= 400:
		return SyncErrorTypeClient
	default:
		return SyncErrorTypeUnknown
	}
}

// SyncLog is one audit record of a sync run
type SyncLog struct {
	ID           string        `json:"id"`
	SyncType     SyncType      `json:"sync_type"`
	Success      bool          `json:"success"`
	ErrorType    SyncErrorType `json:"error_type,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ItemsSynced  int           `json:"items_synced"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// NewSyncLog creates a new sync log entry
func NewSyncLog(syncType SyncType, startedAt time.Time) *SyncLog {
	return &SyncLog{
		SyncType:    syncType,
		StartedAt:   startedAt,
		CompletedAt: startedAt,
	}
}

// MarkSuccessful marks the sync log as successful
func (l *SyncLog) MarkSuccessful(itemsSynced int, at time.Time) {
	l.Success = true
	l.ItemsSynced = itemsSynced
	l.CompletedAt = at
}

// MarkFailed marks the sync log as failed
func (l *SyncLog) MarkFailed(errorType SyncErrorType, errorMessage string, at time.Time) {
	l.Success = false
	l.ErrorType = errorType
	l.ErrorMessage = errorMessage
	l.CompletedAt = at
}

// Result summarizes one sync run
type Result struct {
	Type         SyncType      `json:"type"`
	TotalOps     int           `json:"total_ops"`
	Pushed       int           `json:"pushed"`
	Failed       int           `json:"failed"`
	Conflicts    int           `json:"conflicts"`
	AutoResolved int           `json:"auto_resolved"`
	Duration     time.Duration `json:"duration"`
	Success      bool          `json:"success"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// State is the orchestrator's lifecycle state
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StatePaused  State = "paused"
	StateError   State = "error"
)

// Status is a point-in-time view of the orchestrator
type Status struct {
	State            State      `json:"state"`
	PendingOps       int        `json:"pending_ops"`
	PendingConflicts int        `json:"pending_conflicts"`
	LastSyncAt       *time.Time `json:"last_sync_at,omitempty"`
	LastResult       *Result    `json:"last_result,omitempty"`
}

// Progress reports how far through a sync run the drain has gotten
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}
