// Package pool maintains a bounded set of remote sessions shared by the sync
// core. Sessions are dialed lazily up to a ceiling, kept warm down to a floor,
// health-checked in the background, and handed out one caller at a time with
// priority-ordered waiting.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tildaslashalef/cardvault/internal/clock"
	"github.com/tildaslashalef/cardvault/internal/config"
	"github.com/tildaslashalef/cardvault/internal/loggy"
	"github.com/tildaslashalef/cardvault/internal/remote"
	"github.com/tildaslashalef/cardvault/internal/ulid"
)

var (
	// ErrAcquireTimeout is returned when no connection frees up within the
	// configured acquire timeout
	ErrAcquireTimeout = errors.New("timed out waiting for a connection")

	// ErrPoolClosed is returned for any operation after Destroy
	ErrPoolClosed = errors.New("connection pool is closed")
)

// Priority orders waiting callers. Within a tier, waiters are served FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// ParsePriority parses a priority name, falling back to normal
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Metrics is a point-in-time snapshot of pool counters
type Metrics struct {
	ActiveConnections int           `json:"active_connections"`
	IdleConnections   int           `json:"idle_connections"`
	WaitingRequests   int           `json:"waiting_requests"`
	TotalCreated      int64         `json:"total_created"`
	TotalDestroyed    int64         `json:"total_destroyed"`
	TotalAcquired     int64         `json:"total_acquired"`
	TotalReleased     int64         `json:"total_released"`
	AcquireTimeouts   int64         `json:"acquire_timeouts"`
	HealthCheckFails  int64         `json:"health_check_fails"`
	States            map[State]int `json:"states"`
}

// waiter is one blocked Acquire call. The channel is buffered so a handoff
// never blocks the releasing goroutine.
type waiter struct {
	priority Priority
	ch       chan *Conn
}

// Manager owns the connection pool
type Manager struct {
	cfg    config.PoolConfig
	dialer remote.Dialer
	clk    clock.Clock
	logger *loggy.Logger

	mu       sync.Mutex
	idle     []*Conn
	active   map[string]*Conn
	waiters  []*waiter
	creating int
	probing  int
	closed   bool

	totalCreated     int64
	totalDestroyed   int64
	totalAcquired    int64
	totalReleased    int64
	acquireTimeouts  int64
	healthCheckFails int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a pool manager. Connections are not dialed until
// Initialize is called.
func NewManager(cfg config.PoolConfig, dialer remote.Dialer, clk clock.Clock, logger *loggy.Logger) *Manager {
	if logger == nil {
		logger = loggy.NewNoopLogger()
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		clk:    clk,
		logger: logger,
		active: make(map[string]*Conn),
		stopCh: make(chan struct{}),
	}
}

// Initialize eagerly dials the configured minimum number of connections and
// starts the maintenance loop. A dial failure aborts initialization.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrPoolClosed
	}
	need := m.cfg.MinConnections - m.total()
	m.mu.Unlock()

	for i := 0; i < need; i++ {
		conn, err := m.dial(ctx)
		if err != nil {
			return fmt.Errorf("initializing pool: %w", err)
		}

		m.mu.Lock()
		conn.state = StateIdle
		m.idle = append(m.idle, conn)
		m.mu.Unlock()
	}

	m.wg.Add(1)
	go m.maintenanceLoop()

	m.logger.Info("connection pool initialized",
		"min", m.cfg.MinConnections,
		"max", m.cfg.MaxConnections,
	)

	return nil
}

// Acquire hands out an exclusive connection. If the pool is at capacity the
// caller waits in a priority queue until a connection is released or the
// acquire timeout elapses.
func (m *Manager) Acquire(ctx context.Context, priority Priority) (*Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Reuse an idle connection when one exists
	if len(m.idle) > 0 {
		conn := m.idle[len(m.idle)-1]
		m.idle = m.idle[:len(m.idle)-1]
		conn.state = StateInUse
		m.active[conn.id] = conn
		m.totalAcquired++
		m.mu.Unlock()
		return conn, nil
	}

	// Grow the pool when below the ceiling
	if m.total() < m.cfg.MaxConnections {
		m.creating++
		m.mu.Unlock()

		conn, err := m.dial(ctx)

		m.mu.Lock()
		m.creating--
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("dialing new connection: %w", err)
		}
		if m.closed {
			m.mu.Unlock()
			conn.close()
			return nil, ErrPoolClosed
		}
		conn.state = StateInUse
		m.active[conn.id] = conn
		m.totalAcquired++
		m.mu.Unlock()
		return conn, nil
	}

	// At capacity; wait for a release
	w := &waiter{priority: priority, ch: make(chan *Conn, 1)}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	timeout := m.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-w.ch:
		return conn, nil

	case <-timer.C:
		if m.cancelWaiter(w) {
			m.mu.Lock()
			m.acquireTimeouts++
			m.mu.Unlock()
			return nil, ErrAcquireTimeout
		}
		// A release beat the timer; the connection is already ours
		return <-w.ch, nil

	case <-ctx.Done():
		if m.cancelWaiter(w) {
			return nil, ctx.Err()
		}
		conn := <-w.ch
		m.Release(conn)
		return nil, ctx.Err()

	case <-m.stopCh:
		if m.cancelWaiter(w) {
			return nil, ErrPoolClosed
		}
		conn := <-w.ch
		m.Release(conn)
		return nil, ErrPoolClosed
	}
}

// cancelWaiter removes w from the wait queue. It returns false when the
// waiter was already handed a connection.
func (m *Manager) cancelWaiter(w *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, cand := range m.waiters {
		if cand == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Release returns a connection to the pool. If callers are waiting, the
// highest-priority oldest waiter receives it directly.
func (m *Manager) Release(conn *Conn) {
	if conn == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, conn.id)
	conn.usageCount++
	conn.lastUsedAt = m.clk.Now()
	m.totalReleased++

	if m.closed {
		conn.close()
		m.totalDestroyed++
		return
	}

	if w := m.popWaiter(); w != nil {
		conn.state = StateInUse
		m.active[conn.id] = conn
		m.totalAcquired++
		w.ch <- conn
		return
	}

	conn.state = StateIdle
	m.idle = append(m.idle, conn)
}

// popWaiter removes and returns the highest-priority oldest waiter, or nil
func (m *Manager) popWaiter() *waiter {
	if len(m.waiters) == 0 {
		return nil
	}

	best := 0
	for i, w := range m.waiters {
		if w.priority > m.waiters[best].priority {
			best = i
		}
	}

	w := m.waiters[best]
	m.waiters = append(m.waiters[:best], m.waiters[best+1:]...)
	return w
}

// Discard removes a connection from the pool entirely, closing its session.
// Used when a caller observed an error that makes the session unusable.
func (m *Manager) Discard(conn *Conn) {
	if conn == nil {
		return
	}

	m.mu.Lock()
	delete(m.active, conn.id)
	conn.state = StateUnhealthy
	conn.close()
	m.totalDestroyed++
	closed := m.closed
	m.mu.Unlock()

	if !closed {
		m.backfill()
	}
}

// Destroy closes every connection and rejects all waiting callers
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stopCh)

	for _, conn := range m.idle {
		conn.close()
		m.totalDestroyed++
	}
	m.idle = nil
	for _, conn := range m.active {
		conn.close()
		m.totalDestroyed++
	}
	m.active = make(map[string]*Conn)
	m.waiters = nil
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("connection pool destroyed")
}

// GetMetrics returns a snapshot of pool counters
func (m *Manager) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[State]int)
	for _, conn := range m.idle {
		states[conn.state]++
	}
	for _, conn := range m.active {
		states[conn.state]++
	}

	return Metrics{
		ActiveConnections: len(m.active),
		IdleConnections:   len(m.idle),
		WaitingRequests:   len(m.waiters),
		TotalCreated:      m.totalCreated,
		TotalDestroyed:    m.totalDestroyed,
		TotalAcquired:     m.totalAcquired,
		TotalReleased:     m.totalReleased,
		AcquireTimeouts:   m.acquireTimeouts,
		HealthCheckFails:  m.healthCheckFails,
		States:            states,
	}
}

// total reports every connection the pool accounts for, including dials and
// health probes in flight. Callers must hold mu.
func (m *Manager) total() int {
	return len(m.idle) + len(m.active) + m.creating + m.probing
}

// dial establishes one new connection
func (m *Manager) dial(ctx context.Context) (*Conn, error) {
	dialCtx := ctx
	if m.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
		defer cancel()
	}

	transport, err := m.dialer.Dial(dialCtx)
	if err != nil {
		return nil, err
	}

	now := m.clk.Now()
	conn := &Conn{
		id:         ulid.ConnectionID(),
		transport:  transport,
		state:      StateIdle,
		createdAt:  now,
		lastUsedAt: now,
	}

	m.mu.Lock()
	m.totalCreated++
	m.mu.Unlock()

	m.logger.Debug("connection established", "conn_id", conn.id)
	return conn, nil
}

// maintenanceLoop runs periodic health checks and idle cleanup
func (m *Manager) maintenanceLoop() {
	defer m.wg.Done()

	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := m.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHealth(context.Background())
			m.cleanupIdle()
			m.backfill()
		}
	}
}

// checkHealth probes idle connections one at a time. A connection is taken
// out of the idle list for the duration of its probe so a concurrent Acquire
// can never hand it to a caller mid-probe; connections grabbed by a caller
// between the snapshot and their turn are skipped. Slow probes mark the
// connection degraded; failed probes accumulate until the connection is
// destroyed.
func (m *Manager) checkHealth(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*Conn, len(m.idle))
	copy(conns, m.idle)
	m.mu.Unlock()

	for _, conn := range conns {
		if !m.takeIdle(conn) {
			continue
		}

		start := m.clk.Now()
		_, err := conn.Call(ctx, remote.ProcPing, nil)
		latency := m.clk.Since(start)

		m.mu.Lock()
		m.probing--
		switch {
		case err != nil:
			conn.errorCount++
			conn.state = StateUnhealthy
			m.healthCheckFails++
			m.logger.Warn("connection failed health check",
				"conn_id", conn.id,
				"error_count", conn.errorCount,
				"error", err,
			)
			if conn.errorCount > m.cfg.ErrorThreshold {
				conn.close()
				m.totalDestroyed++
				m.logger.Warn("connection destroyed after repeated failures", "conn_id", conn.id)
				m.mu.Unlock()
				continue
			}
		case m.cfg.ValidationThreshold > 0 && latency > m.cfg.ValidationThreshold:
			conn.state = StateDegraded
			m.logger.Debug("connection degraded", "conn_id", conn.id, "latency", latency)
		default:
			conn.state = StateIdle
		}
		m.returnProbedLocked(conn)
		m.mu.Unlock()
	}
}

// takeIdle removes conn from the idle list so it cannot be handed out while
// its probe is in flight. It returns false when the connection is no longer
// idle.
func (m *Manager) takeIdle(conn *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, cand := range m.idle {
		if cand == conn {
			m.idle = append(m.idle[:i], m.idle[i+1:]...)
			m.probing++
			return true
		}
	}
	return false
}

// returnProbedLocked puts a probed connection back into circulation, handing
// it to a waiter when one queued up during the probe. Callers must hold mu.
func (m *Manager) returnProbedLocked(conn *Conn) {
	if m.closed {
		conn.close()
		m.totalDestroyed++
		return
	}

	if w := m.popWaiter(); w != nil {
		conn.state = StateInUse
		m.active[conn.id] = conn
		m.totalAcquired++
		w.ch <- conn
		return
	}

	m.idle = append(m.idle, conn)
}

// cleanupIdle destroys idle connections past the max idle age, never
// shrinking the pool below its minimum size
func (m *Manager) cleanupIdle() {
	if m.cfg.MaxIdleTime <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.idle[:0]
	for _, conn := range m.idle {
		if m.clk.Since(conn.lastUsedAt) > m.cfg.MaxIdleTime && len(kept)+len(m.active)+m.creating >= m.cfg.MinConnections {
			conn.close()
			m.totalDestroyed++
			m.logger.Debug("idle connection closed", "conn_id", conn.id)
			continue
		}
		kept = append(kept, conn)
	}
	m.idle = kept
}

// backfill dials replacements until the pool is back at its minimum size
func (m *Manager) backfill() {
	for {
		m.mu.Lock()
		if m.closed || m.total() >= m.cfg.MinConnections {
			m.mu.Unlock()
			return
		}
		m.creating++
		m.mu.Unlock()

		conn, err := m.dial(context.Background())

		m.mu.Lock()
		m.creating--
		if err != nil {
			m.mu.Unlock()
			m.logger.Warn("backfill dial failed", "error", err)
			return
		}
		if m.closed {
			m.mu.Unlock()
			conn.close()
			return
		}
		if w := m.popWaiter(); w != nil {
			conn.state = StateInUse
			m.active[conn.id] = conn
			m.totalAcquired++
			w.ch <- conn
		} else {
			conn.state = StateIdle
			m.idle = append(m.idle, conn)
		}
		m.mu.Unlock()
	}
}
