package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/tildaslashalef/cardvault/internal/loggy"
	"github.com/tildaslashalef/cardvault/internal/store"
)

// Repository persists conflict records
type Repository interface {
	// Save stores a newly detected conflict
	Save(ctx context.Context, c *Conflict) error

	// GetByID retrieves one conflict
	GetByID(ctx context.Context, id string) (*Conflict, error)

	// ListPending returns unresolved conflicts, oldest first
	ListPending(ctx context.Context) ([]*Conflict, error)

	// ListHistory returns conflicts in any state, newest first
	ListHistory(ctx context.Context, limit int) ([]*Conflict, error)

	// MarkResolved records a resolution
	MarkResolved(ctx context.Context, id string, choice Choice, at time.Time) error

	// MarkIgnored dismisses a conflict
	MarkIgnored(ctx context.Context, id string, at time.Time) error

	// CountPending reports unresolved conflicts
	CountPending(ctx context.Context) (int, error)

	// Prune removes the oldest settled conflicts beyond keep
	Prune(ctx context.Context, keep int) error
}

// SQLRepository implements Repository over the conflicts table
type SQLRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a new conflict repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

var conflictColumns = []string{
	"id", "entity_kind", "entity_id", "local_version", "remote_version",
	"conflicting_fields", "severity", "status", "resolution", "detected_at", "resolved_at",
}

// Save stores a newly detected conflict
func (r *SQLRepository) Save(ctx context.Context, c *Conflict) error {
	fields, err := json.Marshal(c.ConflictingFields)
	if err != nil {
		return fmt.Errorf("marshaling conflicting fields: %w", err)
	}

	query, args, err := r.builder.Insert("conflicts").
		Columns(conflictColumns...).
		Values(
			c.ID, string(c.EntityKind), c.EntityID,
			[]byte(c.LocalVersion), []byte(c.RemoteVersion),
			fields, string(c.Severity), string(c.Status),
			string(c.Resolution), c.DetectedAt, c.ResolvedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building save conflict query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing save conflict query: %w", err)
	}

	return nil
}

// GetByID retrieves one conflict
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*Conflict, error) {
	query, args, err := r.builder.Select(conflictColumns...).
		From("conflicts").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get conflict query: %w", err)
	}

	c, err := scanConflict(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scanning conflict row: %w", err)
	}

	return c, nil
}

// ListPending returns unresolved conflicts, oldest first
func (r *SQLRepository) ListPending(ctx context.Context) ([]*Conflict, error) {
	return r.list(ctx, sq.Eq{"status": string(StatusPending)}, "detected_at ASC", 0)
}

// ListHistory returns conflicts in any state, newest first
func (r *SQLRepository) ListHistory(ctx context.Context, limit int) ([]*Conflict, error) {
	return r.list(ctx, nil, "detected_at DESC", limit)
}

func (r *SQLRepository) list(ctx context.Context, where any, order string, limit int) ([]*Conflict, error) {
	q := r.builder.Select(conflictColumns...).From("conflicts").OrderBy(order)
	if where != nil {
		q = q.Where(where)
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list conflicts query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list conflicts query: %w", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conflict row: %w", err)
		}
		conflicts = append(conflicts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conflict rows: %w", err)
	}

	return conflicts, nil
}

// MarkResolved records a resolution
func (r *SQLRepository) MarkResolved(ctx context.Context, id string, choice Choice, at time.Time) error {
	return r.settle(ctx, id, StatusResolved, choice, at)
}

// MarkIgnored dismisses a conflict
func (r *SQLRepository) MarkIgnored(ctx context.Context, id string, at time.Time) error {
	return r.settle(ctx, id, StatusIgnored, "", at)
}

func (r *SQLRepository) settle(ctx context.Context, id string, status Status, choice Choice, at time.Time) error {
	query, args, err := r.builder.Update("conflicts").
		Set("status", string(status)).
		Set("resolution", string(choice)).
		Set("resolved_at", at).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building settle conflict query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing settle conflict query: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}

	return nil
}

// CountPending reports unresolved conflicts
func (r *SQLRepository) CountPending(ctx context.Context) (int, error) {
	query, args, err := r.builder.Select("COUNT(*)").
		From("conflicts").
		Where(sq.Eq{"status": string(StatusPending)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count pending query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("executing count pending query: %w", err)
	}

	return count, nil
}

// Prune removes the oldest settled conflicts beyond keep. Pending conflicts
// are never pruned.
func (r *SQLRepository) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}

	query := `DELETE FROM conflicts
		WHERE status != ? AND id NOT IN (
			SELECT id FROM conflicts WHERE status != ?
			ORDER BY detected_at DESC LIMIT ?
		)`

	if _, err := r.db.ExecContext(ctx, query, string(StatusPending), string(StatusPending), keep); err != nil {
		return fmt.Errorf("executing prune conflicts query: %w", err)
	}

	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConflict(sc rowScanner) (*Conflict, error) {
	var c Conflict
	var entityKind, severity, status string
	var resolution sql.NullString
	var local, remote, fields []byte
	var resolvedAt sql.NullTime

	if err := sc.Scan(
		&c.ID, &entityKind, &c.EntityID, &local, &remote,
		&fields, &severity, &status, &resolution, &c.DetectedAt, &resolvedAt,
	); err != nil {
		return nil, err
	}

	c.EntityKind = store.EntityKind(entityKind)
	c.LocalVersion = local
	c.RemoteVersion = remote
	c.Severity = Severity(severity)
	c.Status = Status(status)
	c.Resolution = Choice(resolution.String)
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}

	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &c.ConflictingFields); err != nil {
			return nil, fmt.Errorf("unmarshaling conflicting fields: %w", err)
		}
	}

	return &c, nil
}
