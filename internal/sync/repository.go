package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/tildaslashalef/cardvault/internal/clock"
	"github.com/tildaslashalef/cardvault/internal/loggy"
	"github.com/tildaslashalef/cardvault/internal/ulid"
)

// Settings keys used by the orchestrator
const (
	settingCheckpoint = "sync.checkpoint"
	settingToken      = "sync.token"
	settingDevice     = "sync.device"
)

// Repository persists sync audit logs and orchestrator settings
type Repository interface {
	// CreateSyncLog stores an audit record
	CreateSyncLog(ctx context.Context, log *SyncLog) error

	// GetSyncLogs retrieves audit records, newest first
	GetSyncLogs(ctx context.Context, limit, offset int) ([]*SyncLog, error)

	// GetLatestSyncLog retrieves the most recent audit record, or nil
	GetLatestSyncLog(ctx context.Context) (*SyncLog, error)

	// GetCheckpoint returns the last successful sync time. The zero time
	// means no sync has completed yet.
	GetCheckpoint(ctx context.Context) (time.Time, error)

	// SetCheckpoint records a successful sync time
	SetCheckpoint(ctx context.Context, at time.Time) error

	// GetSetting returns a settings value, or "" when unset
	GetSetting(ctx context.Context, key string) (string, error)

	// SetSetting stores a settings value
	SetSetting(ctx context.Context, key, value string) error
}

// SQLRepository implements Repository using a SQL database
type SQLRepository struct {
	db      *sql.DB
	clk     clock.Clock
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a new SQL repository
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

var syncLogColumns = []string{
	"id", "sync_type", "success", "error_type", "error_message",
	"items_synced", "started_at", "completed_at",
}

// CreateSyncLog stores an audit record
func (r *SQLRepository) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	if log.ID == "" {
		log.ID = ulid.SyncID()
	}

	query, args, err := r.builder.Insert("sync_logs").
		Columns(syncLogColumns...).
		Values(
			log.ID, string(log.SyncType), log.Success, string(log.ErrorType),
			log.ErrorMessage, log.ItemsSynced, log.StartedAt, log.CompletedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building create sync log query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing create sync log query: %w", err)
	}

	return nil
}

// GetSyncLogs retrieves audit records, newest first
func (r *SQLRepository) GetSyncLogs(ctx context.Context, limit, offset int) ([]*SyncLog, error) {
	q := r.builder.Select(syncLogColumns...).
		From("sync_logs").
		OrderBy("completed_at DESC")

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	if offset > 0 {
		q = q.Offset(uint64(offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get sync logs query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing get sync logs query: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sync log row: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync log rows: %w", err)
	}

	return logs, nil
}

// GetLatestSyncLog retrieves the most recent audit record, or nil
func (r *SQLRepository) GetLatestSyncLog(ctx context.Context) (*SyncLog, error) {
	query, args, err := r.builder.Select(syncLogColumns...).
		From("sync_logs").
		OrderBy("completed_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get latest sync log query: %w", err)
	}

	log, err := scanSyncLog(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("executing get latest sync log query: %w", err)
	}

	return log, nil
}

// GetCheckpoint returns the last successful sync time
func (r *SQLRepository) GetCheckpoint(ctx context.Context) (time.Time, error) {
	value, err := r.GetSetting(ctx, settingCheckpoint)
	if err != nil || value == "" {
		return time.Time{}, err
	}

	at, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing sync checkpoint: %w", err)
	}
	return at, nil
}

// SetCheckpoint records a successful sync time
func (r *SQLRepository) SetCheckpoint(ctx context.Context, at time.Time) error {
	return r.SetSetting(ctx, settingCheckpoint, at.Format(time.RFC3339Nano))
}

// GetSetting returns a settings value, or "" when unset
func (r *SQLRepository) GetSetting(ctx context.Context, key string) (string, error) {
	query, args, err := r.builder.Select("value").
		From("settings").
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("building get setting query: %w", err)
	}

	var value string
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("executing get setting query: %w", err)
	}

	return value, nil
}

// SetSetting stores a settings value
func (r *SQLRepository) SetSetting(ctx context.Context, key, value string) error {
	query, args, err := r.builder.Insert("settings").
		Options("OR REPLACE").
		Columns("key", "value", "updated_at").
		Values(key, value, r.clk.Now()).
		ToSql()
	if err != nil {
		return fmt.Errorf("building set setting query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing set setting query: %w", err)
	}

	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSyncLog(sc rowScanner) (*SyncLog, error) {
	var log SyncLog
	var syncType string
	var errorType, errorMessage sql.NullString

	if err := sc.Scan(
		&log.ID, &syncType, &log.Success, &errorType,
		&errorMessage, &log.ItemsSynced, &log.StartedAt, &log.CompletedAt,
	); err != nil {
		return nil, err
	}

	log.SyncType = SyncType(syncType)
	log.ErrorType = SyncErrorType(errorType.String)
	log.ErrorMessage = errorMessage.String

	return &log, nil
}
