package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/tildaslashalef/cardvault/internal/clock"
	"github.com/tildaslashalef/cardvault/internal/loggy"
	"github.com/tildaslashalef/cardvault/internal/store"
)

// Repository persists the operation queue
type Repository interface {
	// Enqueue stores operations, stamping enqueue time and first attempt
	Enqueue(ctx context.Context, ops ...*Operation) error

	// DequeueReady returns up to limit operations whose next attempt is
	// due, highest priority first and in enqueue order within a priority
	DequeueReady(ctx context.Context, limit int) ([]*Operation, error)

	// Complete removes finished operations from the queue
	Complete(ctx context.Context, ids ...string) error

	// Fail records a failed attempt and schedules the next one
	Fail(ctx context.Context, id string, cause string, nextAttempt time.Time) error

	// Drop removes an operation that will never succeed
	Drop(ctx context.Context, id string) error

	// GetStats reports queue depth by priority
	GetStats(ctx context.Context) (*Stats, error)
}

// SQLRepository implements Repository over the sync_operations table
type SQLRepository struct {
	db      *sql.DB
	clk     clock.Clock
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a new queue repository
func NewSQLRepository(db *sql.DB, clk clock.Clock, logger *loggy.Logger) *SQLRepository {
	if clk == nil {
		clk = clock.New()
	}
	return &SQLRepository{
		db:      db,
		clk:     clk,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

var operationColumns = []string{
	"id", "op_type", "entity_kind", "entity_id", "payload", "priority",
	"retry_count", "next_attempt_at", "last_error", "enqueued_at", "updated_at",
}

// Enqueue stores operations
func (r *SQLRepository) Enqueue(ctx context.Context, ops ...*Operation) error {
	if len(ops) == 0 {
		return nil
	}

	now := r.clk.Now()
	q := r.builder.Insert("sync_operations").Columns(operationColumns...)

	for _, op := range ops {
		if op.EnqueuedAt.IsZero() {
			op.EnqueuedAt = now
		}
		if op.NextAttemptAt.IsZero() {
			op.NextAttemptAt = now
		}
		op.UpdatedAt = now

		q = q.Values(
			op.ID, string(op.Type), string(op.EntityKind), op.EntityID,
			[]byte(op.Payload), string(op.Priority), op.RetryCount,
			op.NextAttemptAt, op.LastError, op.EnqueuedAt, op.UpdatedAt,
		)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building enqueue query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing enqueue query: %w", err)
	}

	return nil
}

// DequeueReady returns operations whose next attempt is due
func (r *SQLRepository) DequeueReady(ctx context.Context, limit int) ([]*Operation, error) {
	q := r.builder.Select(operationColumns...).
		From("sync_operations").
		Where(sq.LtOrEq{"next_attempt_at": r.clk.Now()}).
		OrderBy(
			"CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END",
			"id ASC",
		)

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building dequeue query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing dequeue query: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning operation row: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operation rows: %w", err)
	}

	return ops, nil
}

// Complete removes finished operations
func (r *SQLRepository) Complete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := r.builder.Delete("sync_operations").
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building complete query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing complete query: %w", err)
	}

	return nil
}

// Fail records a failed attempt and schedules the next one
func (r *SQLRepository) Fail(ctx context.Context, id string, cause string, nextAttempt time.Time) error {
	now := r.clk.Now()
	q := r.builder.Update("sync_operations").
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("last_error", cause).
		Set("updated_at", now).
		Where(sq.Eq{"id": id})

	if !nextAttempt.IsZero() {
		q = q.Set("next_attempt_at", nextAttempt)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building fail query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing fail query: %w", err)
	}

	return nil
}

// Drop removes an operation that will never succeed
func (r *SQLRepository) Drop(ctx context.Context, id string) error {
	query, args, err := r.builder.Delete("sync_operations").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building drop query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing drop query: %w", err)
	}

	return nil
}

// GetStats reports queue depth by priority
func (r *SQLRepository) GetStats(ctx context.Context) (*Stats, error) {
	query, args, err := r.builder.Select("priority", "COUNT(*)").
		From("sync_operations").
		GroupBy("priority").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building stats query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing stats query: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByPriority: make(map[Priority]int)}
	for rows.Next() {
		var priority string
		var count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}
		stats.ByPriority[Priority(priority)] = count
		stats.Total += count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stats rows: %w", err)
	}

	readyQuery, readyArgs, err := r.builder.Select("COUNT(*)").
		From("sync_operations").
		Where(sq.LtOrEq{"next_attempt_at": r.clk.Now()}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building ready count query: %w", err)
	}

	if err := r.db.QueryRowContext(ctx, readyQuery, readyArgs...).Scan(&stats.Ready); err != nil {
		return nil, fmt.Errorf("executing ready count query: %w", err)
	}

	return stats, nil
}

func scanOperation(rows *sql.Rows) (*Operation, error) {
	var op Operation
	var opType, entityKind, priority string
	var payload []byte
	var lastError sql.NullString

	if err := rows.Scan(
		&op.ID, &opType, &entityKind, &op.EntityID, &payload, &priority,
		&op.RetryCount, &op.NextAttemptAt, &lastError, &op.EnqueuedAt, &op.UpdatedAt,
	); err != nil {
		return nil, err
	}

	op.Type = OpType(opType)
	op.EntityKind = store.EntityKind(entityKind)
	op.Priority = Priority(priority)
	op.Payload = payload
	op.LastError = lastError.String

	return &op, nil
}
