// Package batch turns large sets of entity mutations into chunked bulk
// writes. Operations are validated up front, split into priority-ordered
// chunks, applied to the local store with bounded concurrency and enqueued
// for remote sync. Cached query results touching a mutated entity kind are
// invalidated by key prefix.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tildaslashalef/cardvault/internal/clock"
	"github.com/tildaslashalef/cardvault/internal/config"
	"github.com/tildaslashalef/cardvault/internal/loggy"
	"github.com/tildaslashalef/cardvault/internal/queue"
	"github.com/tildaslashalef/cardvault/internal/retry"
	"github.com/tildaslashalef/cardvault/internal/store"
	"github.com/tildaslashalef/cardvault/internal/ulid"
)

// Result summarizes one Process call
type Result struct {
	BatchID   string `json:"batch_id"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Dropped   int    `json:"dropped"`
}

// Manager chunks, validates and applies bulk mutations
type Manager struct {
	cfg    config.BatchConfig
	repo   store.Repository
	ops    queue.Repository
	cache  *Cache
	clk    clock.Clock
	logger *loggy.Logger
	sem    *semaphore.Weighted
	policy retry.Policy

	metrics metricsState
}

// NewManager creates a batch manager
func NewManager(cfg config.BatchConfig, repo store.Repository, ops queue.Repository, cache *Cache, clk clock.Clock, logger *loggy.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = loggy.NewNoopLogger()
	}

	concurrency := cfg.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 1
	}

	policy := retry.Policy{
		Strategy:    retry.ParseStrategy(cfg.RetryStrategy),
		MaxAttempts: cfg.RetryCount,
		BaseDelay:   cfg.RetryBaseDelay,
	}

	return &Manager{
		cfg:    cfg,
		repo:   repo,
		ops:    ops,
		cache:  cache,
		clk:    clk,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		policy: policy,
	}
}

// Cache exposes the manager's read-through cache
func (m *Manager) Cache() *Cache {
	return m.cache
}

// GetMetrics returns a snapshot of batch counters
func (m *Manager) GetMetrics() Metrics {
	return m.metrics.snapshot()
}

// ResetMetrics zeroes every counter
func (m *Manager) ResetMetrics() {
	m.metrics.reset()
}

// Process validates, chunks and applies operations. Invalid operations are
// dropped with a warning rather than failing the whole set. High-priority
// operations sort ahead of the rest; normal and low priority operations keep
// arrival order. Chunks run concurrently, but operations touching the same
// entity always share a chunk and apply in order.
func (m *Manager) Process(ctx context.Context, operations []*queue.Operation) (*Result, error) {
	result := &Result{BatchID: ulid.BatchID()}
	if len(operations) == 0 {
		return result, nil
	}

	var high, rest []*queue.Operation
	for _, op := range operations {
		if err := queue.ValidatePayload(op); err != nil {
			m.logger.Warn("dropping invalid operation",
				"op_id", op.ID,
				"entity_kind", op.EntityKind,
				"error", err,
			)
			result.Dropped++
			continue
		}
		if op.Priority == queue.PriorityHigh {
			high = append(high, op)
		} else {
			rest = append(rest, op)
		}
	}
	m.metrics.recordDropped(result.Dropped)

	chunks := m.chunk(append(high, rest...))

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, chunk := range chunks {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return result, fmt.Errorf("acquiring batch slot: %w", err)
		}

		wg.Add(1)
		go func(chunk []*queue.Operation) {
			defer wg.Done()
			defer m.sem.Release(1)

			err := m.applyChunk(ctx, chunk)

			mu.Lock()
			result.Processed += len(chunk)
			if err != nil {
				result.Failed += len(chunk)
				m.logger.Error("batch chunk failed",
					"batch_id", result.BatchID,
					"size", len(chunk),
					"error", err,
				)
			} else {
				result.Succeeded += len(chunk)
			}
			mu.Unlock()
		}(chunk)
	}

	wg.Wait()

	m.logger.Info("batch processed",
		"batch_id", result.BatchID,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"dropped", result.Dropped,
	)

	return result, nil
}

// chunk splits operations into slices of roughly BatchSize. Operations
// sharing an entity are pinned to the chunk where that entity first appeared,
// so no two concurrent chunks ever race on the same row; a chunk may exceed
// BatchSize by the number of such repeats.
func (m *Manager) chunk(operations []*queue.Operation) [][]*queue.Operation {
	size := m.cfg.BatchSize
	if size <= 0 {
		size = 50
	}

	var chunks [][]*queue.Operation
	entityChunk := make(map[string]int)

	for _, op := range operations {
		key := string(op.EntityKind) + ":" + op.EntityID
		if idx, ok := entityChunk[key]; ok {
			chunks[idx] = append(chunks[idx], op)
			continue
		}
		if len(chunks) == 0 || len(chunks[len(chunks)-1]) >= size {
			chunks = append(chunks, nil)
		}
		idx := len(chunks) - 1
		chunks[idx] = append(chunks[idx], op)
		entityChunk[key] = idx
	}
	return chunks
}

// applyChunk writes one chunk to the local store, enqueues it for sync and
// invalidates affected cache prefixes. The store write is retried per the
// configured policy; schema violations are permanent.
func (m *Manager) applyChunk(ctx context.Context, chunk []*queue.Operation) error {
	start := m.clk.Now()
	var attempts int64

	err := m.policy.Do(ctx, func() error {
		attempts++
		if err := m.applyToStore(ctx, chunk); err != nil {
			if !store.IsRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})

	elapsed := m.clk.Since(start)
	failed := 0
	if err != nil {
		failed = len(chunk)
	}
	m.metrics.recordBatch(len(chunk), failed, attempts-1, elapsed)

	if err != nil {
		return err
	}

	if err := m.ops.Enqueue(ctx, chunk...); err != nil {
		return fmt.Errorf("enqueueing chunk for sync: %w", err)
	}

	m.invalidate(chunk)
	return nil
}

// applyToStore writes a chunk to the local store. Operations touching the
// same entity must land in arrival order, so the chunk is applied in passes:
// the nth operation for an entity goes into the nth pass, and passes run
// sequentially. Within a pass every entity appears once, so the pass's bulk
// groups are free to run concurrently.
func (m *Manager) applyToStore(ctx context.Context, chunk []*queue.Operation) error {
	seen := make(map[string]int)
	var passes [][]*queue.Operation
	for _, op := range chunk {
		key := string(op.EntityKind) + ":" + op.EntityID
		i := seen[key]
		seen[key] = i + 1
		if i == len(passes) {
			passes = append(passes, nil)
		}
		passes[i] = append(passes[i], op)
	}

	for _, pass := range passes {
		if err := m.applyGroups(ctx, pass); err != nil {
			return err
		}
	}
	return nil
}

// applyGroups groups operations by entity kind and operation type and runs
// the matching bulk primitive for each group concurrently
func (m *Manager) applyGroups(ctx context.Context, chunk []*queue.Operation) error {
	type groupKey struct {
		kind   store.EntityKind
		opType queue.OpType
	}

	groups := make(map[groupKey][]*queue.Operation)
	for _, op := range chunk {
		key := groupKey{kind: op.EntityKind, opType: op.Type}
		groups[key] = append(groups[key], op)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(groups))

	for key, group := range groups {
		wg.Add(1)
		go func(key groupKey, group []*queue.Operation) {
			defer wg.Done()

			switch key.opType {
			case queue.OpTypeDelete:
				ids := make([]string, len(group))
				for i, op := range group {
					ids[i] = op.EntityID
				}
				if err := m.repo.BulkDelete(ctx, key.kind, ids); err != nil {
					errCh <- err
				}

			default:
				records := make([]store.Record, 0, len(group))
				for _, op := range group {
					rec, err := recordFrom(op, m.clk)
					if err != nil {
						errCh <- err
						return
					}
					records = append(records, rec)
				}
				var err error
				if key.opType == queue.OpTypeCreate {
					err = m.repo.BulkAdd(ctx, key.kind, records)
				} else {
					err = m.repo.BulkPut(ctx, key.kind, records)
				}
				if err != nil {
					errCh <- err
				}
			}
		}(key, group)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// invalidate drops cached views of every entity kind the chunk touched
func (m *Manager) invalidate(chunk []*queue.Operation) {
	if m.cache == nil {
		return
	}

	kinds := make(map[store.EntityKind]struct{})
	for _, op := range chunk {
		kinds[op.EntityKind] = struct{}{}
	}

	for kind := range kinds {
		dropped := m.cache.InvalidatePrefix(string(kind) + "_")
		dropped += m.cache.InvalidatePrefix(string(kind) + "s_")
		if dropped > 0 {
			m.logger.Debug("cache invalidated", "entity_kind", kind, "dropped", dropped)
		}
	}
}

// recordFrom decodes an operation payload into a store record
func recordFrom(op *queue.Operation, clk clock.Clock) (store.Record, error) {
	now := clk.Now()

	switch op.EntityKind {
	case store.EntityKindCard:
		var p queue.CardPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, &store.SchemaError{Kind: op.EntityKind, Field: "payload", Reason: "malformed payload"}
		}
		return &store.Card{
			ID: p.ID, FolderID: p.FolderID, Title: p.Title, Content: p.Content,
			Style: p.Style, SyncVersion: p.SyncVersion,
			CreatedAt: now, UpdatedAt: orNow(p.UpdatedAt, now),
		}, nil

	case store.EntityKindFolder:
		var p queue.FolderPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, &store.SchemaError{Kind: op.EntityKind, Field: "payload", Reason: "malformed payload"}
		}
		return &store.Folder{
			ID: p.ID, ParentID: p.ParentID, Name: p.Name, Position: p.Position,
			Style: p.Style, SyncVersion: p.SyncVersion,
			CreatedAt: now, UpdatedAt: orNow(p.UpdatedAt, now),
		}, nil

	case store.EntityKindTag:
		var p queue.TagPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, &store.SchemaError{Kind: op.EntityKind, Field: "payload", Reason: "malformed payload"}
		}
		return &store.Tag{
			ID: p.ID, Name: p.Name, Color: p.Color, SyncVersion: p.SyncVersion,
			CreatedAt: now, UpdatedAt: orNow(p.UpdatedAt, now),
		}, nil

	case store.EntityKindImage:
		var p queue.ImagePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, &store.SchemaError{Kind: op.EntityKind, Field: "payload", Reason: "malformed payload"}
		}
		return &store.Image{
			ID: p.ID, CardID: p.CardID, FileName: p.FileName,
			ContentHash: p.ContentHash, SizeBytes: p.SizeBytes, SyncVersion: p.SyncVersion,
			CreatedAt: now, UpdatedAt: orNow(p.UpdatedAt, now),
		}, nil

	default:
		return nil, store.ErrUnknownEntityKind
	}
}

func orNow(t time.Time, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
