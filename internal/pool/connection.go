package pool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tildaslashalef/cardvault/internal/remote"
)

// State represents the health/ownership state of a pooled connection
type State string

const (
	// StateIdle means the connection sits in the pool awaiting a caller
	StateIdle State = "idle"
	// StateInUse means the connection is exclusively held by one caller
	StateInUse State = "in_use"
	// StateDegraded means the last probe succeeded but was slow
	StateDegraded State = "degraded"
	// StateUnhealthy means the last probe failed
	StateUnhealthy State = "unhealthy"
)

// Conn is a pooled remote session. It is owned exclusively by the Manager;
// callers hold it between Acquire and Release and must not retain it after.
type Conn struct {
	id         string
	transport  remote.Transport
	state      State
	createdAt  time.Time
	lastUsedAt time.Time
	usageCount int64
	errorCount int
}

// ID returns the connection identifier
func (c *Conn) ID() string {
	return c.id
}

// State returns the current connection state
func (c *Conn) State() State {
	return c.state
}

// UsageCount returns how many times the connection has been released
func (c *Conn) UsageCount() int64 {
	return c.usageCount
}

// Call invokes a procedure on the underlying remote session
func (c *Conn) Call(ctx context.Context, procedure string, params any) (json.RawMessage, error) {
	return c.transport.Call(ctx, procedure, params)
}

func (c *Conn) close() {
	if c.transport != nil {
		_ = c.transport.Close()
	}
}
