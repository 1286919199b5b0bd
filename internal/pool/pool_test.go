package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/cardvault/internal/clock"
	"github.com/tildaslashalef/cardvault/internal/config"
	"github.com/tildaslashalef/cardvault/internal/loggy"
	"github.com/tildaslashalef/cardvault/internal/remote"
	"github.com/tildaslashalef/cardvault/internal/retry"
)

// fakeTransport records calls and answers them from a programmable handler
type fakeTransport struct {
	mu      sync.Mutex
	calls   []string
	handler func(procedure string, params any) (json.RawMessage, error)
	closed  bool
}

func (f *fakeTransport) Call(_ context.Context, procedure string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, procedure)
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		return handler(procedure, params)
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeDialer hands out fakeTransports and counts dials
type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	transports []*fakeTransport
	handler    func(procedure string, params any) (json.RawMessage, error)
	dialErr    error
}

func (f *fakeDialer) Dial(_ context.Context) (remote.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dialErr != nil {
		return nil, f.dialErr
	}

	f.dials++
	t := &fakeTransport{handler: f.handler}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// busyTransport returns the transport that serviced calls. Acquire hands out
// idle connections newest-first, so tests must not assume dial order.
func busyTransport(t *testing.T, dialer *fakeDialer) *fakeTransport {
	t.Helper()
	dialer.mu.Lock()
	transports := append([]*fakeTransport(nil), dialer.transports...)
	dialer.mu.Unlock()

	for _, tr := range transports {
		if len(tr.callNames()) > 0 {
			return tr
		}
	}
	t.Fatal("no transport recorded any calls")
	return nil
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MaxConnections:      5,
		MinConnections:      2,
		MaxIdleTime:         5 * time.Minute,
		ConnectionTimeout:   time.Second,
		AcquireTimeout:      100 * time.Millisecond,
		HealthCheckInterval: time.Hour,
		ValidationThreshold: time.Second,
		ErrorThreshold:      3,
	}
}

func newTestManager(t *testing.T, cfg config.PoolConfig, dialer *fakeDialer, clk clock.Clock) *Manager {
	t.Helper()
	m := NewManager(cfg, dialer, clk, loggy.NewNoopLogger())
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(m.Destroy)
	return m
}

func TestInitializeDialsMinimum(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, testPoolConfig(), dialer, clock.New())

	assert.Equal(t, 2, dialer.dialCount())

	metrics := m.GetMetrics()
	assert.Equal(t, 2, metrics.IdleConnections)
	assert.Equal(t, 0, metrics.ActiveConnections)
	assert.Equal(t, int64(2), metrics.TotalCreated)
}

func TestAcquireReusesIdleBeforeDialing(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, testPoolConfig(), dialer, clock.New())

	conn, err := m.Acquire(context.Background(), PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, StateInUse, conn.State())
	assert.Equal(t, 2, dialer.dialCount())

	m.Release(conn)
	assert.Equal(t, StateIdle, conn.State())
}

func TestAcquireGrowsToCeiling(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, testPoolConfig(), dialer, clock.New())

	conns := make([]*Conn, 0, 5)
	for i := 0; i < 5; i++ {
		conn, err := m.Acquire(context.Background(), PriorityNormal)
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	assert.Equal(t, 5, dialer.dialCount())

	metrics := m.GetMetrics()
	assert.Equal(t, 5, metrics.ActiveConnections)
	assert.Equal(t, 0, metrics.IdleConnections)

	for _, conn := range conns {
		m.Release(conn)
	}
}

func TestAcquireTimesOutAtCapacity(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, testPoolConfig(), dialer, clock.New())

	conns := make([]*Conn, 0, 5)
	for i := 0; i < 5; i++ {
		conn, err := m.Acquire(context.Background(), PriorityNormal)
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	start := time.Now()
	_, err := m.Acquire(context.Background(), PriorityNormal)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, int64(1), m.GetMetrics().AcquireTimeouts)

	for _, conn := range conns {
		m.Release(conn)
	}
}

func TestReleaseServesHighestPriorityWaiterFirst(t *testing.T) {
	cfg := testPoolConfig()
	cfg.AcquireTimeout = 2 * time.Second
	dialer := &fakeDialer{}
	m := newTestManager(t, cfg, dialer, clock.New())

	conns := make([]*Conn, 0, 5)
	for i := 0; i < 5; i++ {
		conn, err := m.Acquire(context.Background(), PriorityNormal)
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	type result struct {
		priority Priority
		conn     *Conn
	}
	got := make(chan result, 2)

	var wg sync.WaitGroup
	for _, p := range []Priority{PriorityLow, PriorityHigh} {
		wg.Add(1)
		go func(p Priority) {
			defer wg.Done()
			conn, err := m.Acquire(context.Background(), p)
			require.NoError(t, err)
			got <- result{priority: p, conn: conn}
		}(p)
		// Give each waiter time to enqueue before the next
		time.Sleep(20 * time.Millisecond)
	}

	m.Release(conns[0])
	first := <-got
	assert.Equal(t, PriorityHigh, first.priority)

	m.Release(conns[1])
	second := <-got
	assert.Equal(t, PriorityLow, second.priority)

	wg.Wait()
	m.Release(first.conn)
	m.Release(second.conn)
	for _, conn := range conns[2:] {
		m.Release(conn)
	}
}

func TestHealthCheckDestroysFailingConnectionsAndBackfills(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, testPoolConfig(), dialer, clock.New())

	// Make every existing transport fail its probe
	dialer.mu.Lock()
	for _, tr := range dialer.transports {
		tr.handler = func(string, any) (json.RawMessage, error) {
			return nil, errors.New("connection reset")
		}
	}
	dialer.mu.Unlock()

	// Threshold is 3; the fourth consecutive failure destroys the connection
	for i := 0; i < 4; i++ {
		m.checkHealth(context.Background())
	}
	m.backfill()

	metrics := m.GetMetrics()
	assert.Equal(t, 2, metrics.IdleConnections)
	assert.Equal(t, int64(2), metrics.TotalDestroyed)
	assert.GreaterOrEqual(t, dialer.dialCount(), 4)
}

func TestHealthCheckMarksUnhealthyBelowThreshold(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, testPoolConfig(), dialer, clock.New())

	dialer.mu.Lock()
	dialer.transports[0].handler = func(string, any) (json.RawMessage, error) {
		return nil, errors.New("connection reset")
	}
	dialer.mu.Unlock()

	m.checkHealth(context.Background())

	metrics := m.GetMetrics()
	assert.Equal(t, 2, metrics.IdleConnections)
	assert.Equal(t, 1, metrics.States[StateUnhealthy])
	assert.Equal(t, int64(0), metrics.TotalDestroyed)
}

func TestHealthCheckNeverSharesAConnWithAcquire(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinConnections = 1
	cfg.ErrorThreshold = 0
	dialer := &fakeDialer{}
	m := newTestManager(t, cfg, dialer, clock.New())

	// The sole idle connection blocks on its probe and then fails it
	probeStarted := make(chan struct{})
	release := make(chan struct{})
	dialer.mu.Lock()
	first := dialer.transports[0]
	dialer.mu.Unlock()
	first.mu.Lock()
	first.handler = func(string, any) (json.RawMessage, error) {
		close(probeStarted)
		<-release
		return nil, errors.New("connection reset")
	}
	first.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.checkHealth(context.Background())
		close(done)
	}()
	<-probeStarted

	// The probed connection is out of the idle list, so an acquire while
	// the probe is in flight gets a freshly dialed connection instead
	conn, err := m.Acquire(context.Background(), PriorityNormal)
	require.NoError(t, err)
	assert.NotSame(t, first, conn.transport)

	close(release)
	<-done

	// The failing connection was destroyed; the caller's is untouched
	first.mu.Lock()
	firstClosed := first.closed
	first.mu.Unlock()
	assert.True(t, firstClosed)

	_, err = conn.Call(context.Background(), remote.ProcPing, nil)
	require.NoError(t, err)

	metrics := m.GetMetrics()
	assert.Equal(t, int64(1), metrics.TotalDestroyed)
	assert.Equal(t, 1, metrics.ActiveConnections)

	m.Release(conn)
}

func TestMaintenanceLoopTicksOnInjectedClock(t *testing.T) {
	clk := clock.NewMock()
	cfg := testPoolConfig()
	cfg.HealthCheckInterval = 30 * time.Second
	dialer := &fakeDialer{}
	newTestManager(t, cfg, dialer, clk)

	pinged := func() bool {
		dialer.mu.Lock()
		transports := append([]*fakeTransport(nil), dialer.transports...)
		dialer.mu.Unlock()
		for _, tr := range transports {
			for _, name := range tr.callNames() {
				if name == remote.ProcPing {
					return true
				}
			}
		}
		return false
	}
	require.False(t, pinged())

	require.Eventually(t, func() bool {
		clk.Advance(cfg.HealthCheckInterval)
		return pinged()
	}, time.Second, 10*time.Millisecond)
}

func TestCleanupIdleRespectsMinimum(t *testing.T) {
	clk := clock.NewMock()
	cfg := testPoolConfig()
	dialer := &fakeDialer{}
	m := newTestManager(t, cfg, dialer, clk)

	// Grow to three connections, then idle them all
	conns := make([]*Conn, 0, 3)
	for i := 0; i < 3; i++ {
		conn, err := m.Acquire(context.Background(), PriorityNormal)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		m.Release(conn)
	}

	clk.Advance(10 * time.Minute)
	m.cleanupIdle()

	metrics := m.GetMetrics()
	assert.Equal(t, cfg.MinConnections, metrics.IdleConnections)
	assert.Equal(t, int64(1), metrics.TotalDestroyed)
}

func TestDestroyRejectsWaiters(t *testing.T) {
	cfg := testPoolConfig()
	cfg.AcquireTimeout = 5 * time.Second
	dialer := &fakeDialer{}
	m := NewManager(cfg, dialer, clock.New(), loggy.NewNoopLogger())
	require.NoError(t, m.Initialize(context.Background()))

	conns := make([]*Conn, 0, 5)
	for i := 0; i < 5; i++ {
		conn, err := m.Acquire(context.Background(), PriorityNormal)
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), PriorityNormal)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	m.Destroy()

	require.ErrorIs(t, <-errCh, ErrPoolClosed)

	_, err := m.Acquire(context.Background(), PriorityNormal)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestExecuteTransactionCommits(t *testing.T) {
	dialer := &fakeDialer{
		handler: func(procedure string, _ any) (json.RawMessage, error) {
			if procedure == remote.ProcBeginTx {
				return json.RawMessage(`{"tx_id":"tx-1"}`), nil
			}
			return json.RawMessage(`{}`), nil
		},
	}
	m := newTestManager(t, testPoolConfig(), dialer, clock.New())

	err := m.ExecuteTransaction(context.Background(), TxOptions{}, func(tx *Tx) error {
		_, err := tx.Call(context.Background(), remote.ProcApplyOperation, map[string]string{"op": "o1"})
		return err
	})
	require.NoError(t, err)

	tr := busyTransport(t, dialer)
	assert.Equal(t, []string{remote.ProcBeginTx, remote.ProcApplyOperation, remote.ProcCommitTx}, tr.callNames())
}

func TestExecuteTransactionRollsBackOnError(t *testing.T) {
	dialer := &fakeDialer{
		handler: func(procedure string, _ any) (json.RawMessage, error) {
			if procedure == remote.ProcBeginTx {
				return json.RawMessage(`{"tx_id":"tx-1"}`), nil
			}
			return json.RawMessage(`{}`), nil
		},
	}
	m := newTestManager(t, testPoolConfig(), dialer, clock.New())

	boom := errors.New("boom")
	opts := TxOptions{Retry: retry.Policy{Strategy: retry.StrategyFixed, MaxAttempts: 1, BaseDelay: time.Millisecond}}
	err := m.ExecuteTransaction(context.Background(), opts, func(tx *Tx) error {
		return retry.Permanent(boom)
	})
	require.Error(t, err)

	tr := busyTransport(t, dialer)
	assert.Equal(t, []string{remote.ProcBeginTx, remote.ProcRollbackTx}, tr.callNames())
}

func TestExecuteBatchOperationsAtomicRollsBackAsAUnit(t *testing.T) {
	var applies int
	dialer := &fakeDialer{
		handler: func(procedure string, _ any) (json.RawMessage, error) {
			switch procedure {
			case remote.ProcBeginTx:
				return json.RawMessage(`{"tx_id":"tx-1"}`), nil
			case remote.ProcApplyOperation:
				applies++
				if applies == 2 {
					return nil, remote.APIError{StatusCode: 400, Message: "bad payload"}
				}
				return json.RawMessage(`{}`), nil
			default:
				return json.RawMessage(`{}`), nil
			}
		},
	}
	m := newTestManager(t, testPoolConfig(), dialer, clock.New())

	ops := []BatchOperation{
		{Procedure: remote.ProcApplyOperation},
		{Procedure: remote.ProcApplyOperation},
		{Procedure: remote.ProcApplyOperation},
	}

	opts := BatchOptions{
		Atomic: true,
		Retry:  retry.Policy{Strategy: retry.StrategyFixed, MaxAttempts: 1, BaseDelay: time.Millisecond},
	}
	results, err := m.ExecuteBatchOperations(context.Background(), ops, opts)
	require.Error(t, err)
	assert.Nil(t, results)

	// The failure rolled the transaction back and stopped the batch short
	tr := busyTransport(t, dialer)
	assert.Equal(t, []string{
		remote.ProcBeginTx,
		remote.ProcApplyOperation,
		remote.ProcApplyOperation,
		remote.ProcRollbackTx,
	}, tr.callNames())
	assert.Equal(t, 2, applies)
}

func TestExecuteBatchOperationsContinueOnError(t *testing.T) {
	var calls int
	dialer := &fakeDialer{
		handler: func(procedure string, _ any) (json.RawMessage, error) {
			if procedure != remote.ProcApplyOperation {
				return json.RawMessage(`{}`), nil
			}
			calls++
			if calls == 2 {
				return nil, remote.APIError{StatusCode: 409, ErrorCode: "version_conflict", Message: "stale"}
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
	m := newTestManager(t, testPoolConfig(), dialer, clock.New())

	ops := []BatchOperation{
		{Procedure: remote.ProcApplyOperation},
		{Procedure: remote.ProcApplyOperation},
		{Procedure: remote.ProcApplyOperation},
	}

	results, err := m.ExecuteBatchOperations(context.Background(), ops, BatchOptions{ContinueOnError: true})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.True(t, remote.IsVersionConflict(results[1].Err))
	assert.NoError(t, results[2].Err)
}

func TestExecuteBatchOperationsAbortsWithoutContinueOnError(t *testing.T) {
	var calls int
	dialer := &fakeDialer{
		handler: func(procedure string, _ any) (json.RawMessage, error) {
			if procedure != remote.ProcApplyOperation {
				return json.RawMessage(`{}`), nil
			}
			calls++
			if calls == 1 {
				return nil, remote.APIError{StatusCode: 400, Message: "bad payload"}
			}
			return json.RawMessage(`{}`), nil
		},
	}
	m := newTestManager(t, testPoolConfig(), dialer, clock.New())

	ops := []BatchOperation{
		{Procedure: remote.ProcApplyOperation},
		{Procedure: remote.ProcApplyOperation},
	}

	results, err := m.ExecuteBatchOperations(context.Background(), ops, BatchOptions{})
	require.Error(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, 1, calls)
}
