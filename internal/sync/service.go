package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/tildaslashalef/cardvault/internal/clock"
	"github.com/tildaslashalef/cardvault/internal/config"
	"github.com/tildaslashalef/cardvault/internal/conflict"
	"github.com/tildaslashalef/cardvault/internal/loggy"
	"github.com/tildaslashalef/cardvault/internal/pool"
	"github.com/tildaslashalef/cardvault/internal/queue"
	"github.com/tildaslashalef/cardvault/internal/remote"
	"github.com/tildaslashalef/cardvault/internal/store"
	"github.com/tildaslashalef/cardvault/internal/synclock"
)

var (
	// ErrSyncPaused is returned when a non-forced sync runs against a
	// paused orchestrator
	ErrSyncPaused = errors.New("sync is paused")

	// ErrSyncLocked is returned when a local flow holds the store lock
	ErrSyncLocked = errors.New("store is locked by a local flow")
)

// lockGroup is the resource group a sync run locks for its duration
const lockGroup = "store"

// Service drains the operation queue to the backend, routes version
// conflicts to the conflict engine and maintains the sync audit trail.
type Service struct {
	cfg       config.SyncConfig
	repo      Repository
	entities  store.Repository
	ops       queue.Repository
	conflicts conflict.Repository
	engine    *conflict.Engine
	pool      *pool.Manager
	locks     *synclock.Coordinator
	clk       clock.Clock
	logger    *loggy.Logger
	obs       *observers

	mu         stdsync.Mutex
	state      State
	paused     bool
	lastResult *Result
	lastSyncAt *time.Time

	stopCh   chan struct{}
	stopOnce stdsync.Once
	wg       stdsync.WaitGroup
}

// NewService creates the sync orchestrator
func NewService(
	cfg config.SyncConfig,
	repo Repository,
	entities store.Repository,
	ops queue.Repository,
	conflicts conflict.Repository,
	engine *conflict.Engine,
	poolMgr *pool.Manager,
	locks *synclock.Coordinator,
	clk clock.Clock,
	logger *loggy.Logger,
) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = loggy.NewNoopLogger()
	}
	return &Service{
		cfg:       cfg,
		repo:      repo,
		entities:  entities,
		ops:       ops,
		conflicts: conflicts,
		engine:    engine,
		pool:      poolMgr,
		locks:     locks,
		clk:       clk,
		logger:    logger,
		obs:       newObservers(),
		state:     StateIdle,
		stopCh:    make(chan struct{}),
	}
}

// OnStatusChange registers a listener for orchestrator state changes
func (s *Service) OnStatusChange(fn StatusListener) Unsubscribe {
	return s.obs.onStatusChange(fn)
}

// OnConflict registers a listener for conflicts detected during sync
func (s *Service) OnConflict(fn ConflictListener) Unsubscribe {
	return s.obs.onConflict(fn)
}

// OnProgress registers a listener for drain progress
func (s *Service) OnProgress(fn ProgressListener) Unsubscribe {
	return s.obs.onProgress(fn)
}

// Start launches the background interval loop. A non-positive interval
// disables scheduled runs; manual and forced syncs still work.
func (s *Service) Start() {
	if s.cfg.Interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := s.clk.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				if _, err := s.Sync(context.Background(), SyncTypeScheduled); err != nil {
					if !errors.Is(err, ErrSyncPaused) && !errors.Is(err, ErrSyncLocked) {
						s.logger.Warn("scheduled sync failed", "error", err)
					}
				}
			}
		}
	}()
}

// Stop shuts down the background loop
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Pause suspends scheduled and manual syncs. Forced syncs still run.
func (s *Service) Pause() {
	s.mu.Lock()
	s.paused = true
	s.state = StatePaused
	s.mu.Unlock()
	s.notifyStatus()
}

// Resume lifts a pause
func (s *Service) Resume() {
	s.mu.Lock()
	s.paused = false
	if s.state == StatePaused {
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.notifyStatus()
}

// ForceSync runs a sync immediately, bypassing the paused state
func (s *Service) ForceSync(ctx context.Context) (*Result, error) {
	return s.Sync(ctx, SyncTypeForced)
}

// Sync drains the operation queue to the backend. Only one run executes at
// a time; a run that cannot take the store lock fails fast with
// ErrSyncLocked rather than waiting.
func (s *Service) Sync(ctx context.Context, syncType SyncType) (*Result, error) {
	s.mu.Lock()
	if s.paused && syncType != SyncTypeForced {
		s.mu.Unlock()
		return nil, ErrSyncPaused
	}
	s.mu.Unlock()

	if !s.locks.TryAcquireCloud(lockGroup) {
		return nil, ErrSyncLocked
	}
	defer s.locks.Release(lockGroup, synclock.KindCloud)

	start := s.clk.Now()
	log := NewSyncLog(syncType, start)
	result := &Result{Type: syncType}

	s.setState(StateSyncing)

	checkpoint, err := s.repo.GetCheckpoint(ctx)
	if err != nil {
		s.logger.Warn("reading sync checkpoint", "error", err)
	}

	runErr := s.drain(ctx, checkpoint, result)

	if runErr == nil && s.cfg.AutoResolve {
		resolved, err := s.engine.AutoResolve(ctx)
		if err != nil {
			s.logger.Warn("auto-resolution pass failed", "error", err)
		}
		result.AutoResolved = resolved
	}

	end := s.clk.Now()
	result.Duration = end.Sub(start)

	if runErr != nil {
		result.ErrorMessage = runErr.Error()
		log.MarkFailed(classifyError(runErr), runErr.Error(), end)
		s.finishRun(ctx, log, result, StateError, nil)
		return result, runErr
	}

	result.Success = true
	log.MarkSuccessful(result.Pushed, end)
	if err := s.repo.SetCheckpoint(ctx, end); err != nil {
		s.logger.Warn("writing sync checkpoint", "error", err)
	}
	if err := s.engine.PruneHistory(ctx); err != nil {
		s.logger.Warn("pruning conflict history", "error", err)
	}
	s.finishRun(ctx, log, result, StateIdle, &end)

	s.logger.Info("sync completed",
		"type", syncType,
		"pushed", result.Pushed,
		"failed", result.Failed,
		"conflicts", result.Conflicts,
		"auto_resolved", result.AutoResolved,
		"duration", result.Duration,
	)

	return result, nil
}

// drain pushes ready operations in batches until the queue is empty
func (s *Service) drain(ctx context.Context, checkpoint time.Time, result *Result) error {
	limit := s.cfg.DrainLimit
	if limit <= 0 {
		limit = 100
	}

	stats, err := s.ops.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("reading queue stats: %w", err)
	}
	total := stats.Ready
	result.TotalOps = total

	completed := 0
	for {
		batch, err := s.ops.DequeueReady(ctx, limit)
		if err != nil {
			return fmt.Errorf("dequeuing operations: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		calls := make([]pool.BatchOperation, len(batch))
		for i, op := range batch {
			calls[i] = pool.BatchOperation{
				Procedure: remote.ProcApplyOperation,
				Params:    op,
			}
		}

		results, err := s.pool.ExecuteBatchOperations(ctx, calls, pool.BatchOptions{
			ContinueOnError: true,
			Priority:        pool.PriorityNormal,
		})
		if err != nil {
			return fmt.Errorf("pushing batch: %w", err)
		}

		for i, res := range results {
			s.settleOperation(ctx, batch[i], res, checkpoint, result)
		}

		completed += len(batch)
		s.obs.notifyProgress(Progress{Completed: completed, Total: total})

		if len(batch) < limit {
			return nil
		}
	}
}

// settleOperation records the outcome of one pushed operation
func (s *Service) settleOperation(ctx context.Context, op *queue.Operation, res pool.BatchResult, checkpoint time.Time, result *Result) {
	switch {
	case res.Err == nil:
		if err := s.ops.Complete(ctx, op.ID); err != nil {
			s.logger.Warn("completing operation", "op_id", op.ID, "error", err)
		}
		s.acknowledge(ctx, op, res.Value)
		result.Pushed++

	case remote.IsVersionConflict(res.Err):
		s.handleConflict(ctx, op, checkpoint)
		result.Conflicts++

	case remote.IsRetryable(res.Err):
		next := s.clk.Now().Add(retryDelay(op.RetryCount))
		if err := s.ops.Fail(ctx, op.ID, res.Err.Error(), next); err != nil {
			s.logger.Warn("recording operation failure", "op_id", op.ID, "error", err)
		}
		result.Failed++

	default:
		s.logger.Warn("dropping unprocessable operation",
			"op_id", op.ID,
			"entity_id", op.EntityID,
			"error", res.Err,
		)
		if err := s.ops.Drop(ctx, op.ID); err != nil {
			s.logger.Warn("dropping operation", "op_id", op.ID, "error", err)
		}
		result.Failed++
	}
}

// acknowledge marks the entity as durably accepted by the backend
func (s *Service) acknowledge(ctx context.Context, op *queue.Operation, value json.RawMessage) {
	if op.Type == queue.OpTypeDelete {
		return
	}

	var ack struct {
		SyncVersion int64 `json:"sync_version"`
	}
	if len(value) > 0 {
		if err := json.Unmarshal(value, &ack); err != nil {
			s.logger.Debug("undecodable apply acknowledgement", "op_id", op.ID, "error", err)
		}
	}

	if err := s.entities.UpdateSyncStatus(ctx, op.EntityKind, op.EntityID, ack.SyncVersion); err != nil {
		s.logger.Warn("updating entity sync status",
			"entity_kind", op.EntityKind,
			"entity_id", op.EntityID,
			"error", err,
		)
	}
}

// handleConflict fetches the remote version, records the divergence and
// retires the operation. Resolution queues fresh work; the stale operation
// itself is never retried.
func (s *Service) handleConflict(ctx context.Context, op *queue.Operation, checkpoint time.Time) {
	defer func() {
		if err := s.ops.Drop(ctx, op.ID); err != nil {
			s.logger.Warn("retiring conflicted operation", "op_id", op.ID, "error", err)
		}
	}()

	remoteSnap, err := s.fetchRemote(ctx, op.EntityKind, op.EntityID)
	if err != nil {
		s.logger.Warn("fetching remote version for conflict",
			"entity_id", op.EntityID,
			"error", err,
		)
		return
	}

	local, err := s.entities.Get(ctx, op.EntityKind, op.EntityID)
	if err != nil {
		s.logger.Warn("loading local version for conflict",
			"entity_id", op.EntityID,
			"error", err,
		)
		return
	}

	c, err := s.engine.Detect(ctx, local, remoteSnap, checkpoint)
	if err != nil {
		s.logger.Warn("detecting conflict", "entity_id", op.EntityID, "error", err)
		return
	}
	if c != nil {
		s.obs.notifyConflict(c)
	}
}

// fetchRemote retrieves the backend's copy of an entity
func (s *Service) fetchRemote(ctx context.Context, kind store.EntityKind, id string) (*conflict.Snapshot, error) {
	conn, err := s.pool.Acquire(ctx, pool.PriorityHigh)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer s.pool.Release(conn)

	raw, err := conn.Call(ctx, remote.ProcFetchEntity, map[string]string{
		"entity_kind": string(kind),
		"entity_id":   id,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching entity: %w", err)
	}

	snap, err := conflict.SnapshotFromJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding entity: %w", err)
	}
	return snap, nil
}

// GetStatus reports the orchestrator's current state and queue depth
func (s *Service) GetStatus(ctx context.Context) (*Status, error) {
	s.mu.Lock()
	status := &Status{
		State:      s.state,
		LastSyncAt: s.lastSyncAt,
		LastResult: s.lastResult,
	}
	s.mu.Unlock()

	if stats, err := s.ops.GetStats(ctx); err == nil {
		status.PendingOps = stats.Total
	}
	if pending, err := s.conflicts.CountPending(ctx); err == nil {
		status.PendingConflicts = pending
	}

	return status, nil
}

// History returns recent sync audit records
func (s *Service) History(ctx context.Context, limit int) ([]*SyncLog, error) {
	return s.repo.GetSyncLogs(ctx, limit, 0)
}

func (s *Service) finishRun(ctx context.Context, log *SyncLog, result *Result, state State, syncedAt *time.Time) {
	if err := s.repo.CreateSyncLog(ctx, log); err != nil {
		s.logger.Warn("writing sync log", "error", err)
	}

	s.mu.Lock()
	s.lastResult = result
	if syncedAt != nil {
		s.lastSyncAt = syncedAt
	}
	if s.paused {
		s.state = StatePaused
	} else {
		s.state = state
	}
	s.mu.Unlock()

	s.notifyStatus()
}

func (s *Service) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.notifyStatus()
}

func (s *Service) notifyStatus() {
	s.mu.Lock()
	status := Status{
		State:      s.state,
		LastSyncAt: s.lastSyncAt,
		LastResult: s.lastResult,
	}
	s.mu.Unlock()
	s.obs.notifyStatus(status)
}

// retryDelay backs a failed operation off exponentially, capped at an hour
func retryDelay(retryCount int) time.Duration {
	delay := 30 * time.Second
	for i := 0; i < retryCount && delay < time.Hour; i++ {
		delay *= 2
	}
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}
