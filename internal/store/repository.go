package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/tildaslashalef/cardvault/internal/loggy"
)

// Repository defines the narrow CRUD contract the sync core consumes.
// Callers never see SQL; they see records keyed by entity kind.
type Repository interface {
	// Get retrieves a single record by kind and id
	Get(ctx context.Context, kind EntityKind, id string) (Record, error)

	// BulkAdd inserts records in one statement
	BulkAdd(ctx context.Context, kind EntityKind, records []Record) error

	// BulkPut inserts or replaces records in one statement
	BulkPut(ctx context.Context, kind EntityKind, records []Record) error

	// BulkDelete tombstones records by id. Rows are kept so that a delete
	// can still be detected against a concurrent remote edit.
	BulkDelete(ctx context.Context, kind EntityKind, ids []string) error

	// ListUnsynced retrieves records whose local changes have not been
	// acknowledged by the remote store
	ListUnsynced(ctx context.Context, kind EntityKind, limit int) ([]Record, error)

	// UpdateSyncStatus records a durable remote acknowledgement for an entity
	UpdateSyncStatus(ctx context.Context, kind EntityKind, id string, syncVersion int64) error
}

// SQLRepository implements Repository using a SQL database
type SQLRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a new SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// Get retrieves a single record by kind and id
func (r *SQLRepository) Get(ctx context.Context, kind EntityKind, id string) (Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(columnsFor(kind)...).
		From(table).
		Where(sq.Eq{"id": id})

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get query: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query, args...)
	rec, err := scanRecord(kind, row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning %s row: %w", kind, err)
	}

	return rec, nil
}

// BulkAdd inserts records in one statement
func (r *SQLRepository) BulkAdd(ctx context.Context, kind EntityKind, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	return r.bulkInsert(ctx, kind, records, false)
}

// BulkPut inserts or replaces records in one statement
func (r *SQLRepository) BulkPut(ctx context.Context, kind EntityKind, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	return r.bulkInsert(ctx, kind, records, true)
}

func (r *SQLRepository) bulkInsert(ctx context.Context, kind EntityKind, records []Record, replace bool) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	q := r.builder.Insert(table).Columns(columnsFor(kind)...)
	if replace {
		q = r.builder.Insert(table).Options("OR REPLACE").Columns(columnsFor(kind)...)
	}

	for _, rec := range records {
		if rec.RecordKind() != kind {
			return &SchemaError{Kind: kind, Field: "kind", Reason: "record kind mismatch"}
		}
		vals, err := valuesOf(rec)
		if err != nil {
			return err
		}
		q = q.Values(vals...)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building bulk insert query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing bulk insert for %s: %w", kind, err)
	}

	return nil
}

// BulkDelete tombstones records by id
func (r *SQLRepository) BulkDelete(ctx context.Context, kind EntityKind, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	now := time.Now()
	q := r.builder.Update(table).
		Set("deleted", true).
		Set("sync_version", sq.Expr("sync_version + 1")).
		Set("updated_at", now).
		Where(sq.Eq{"id": ids})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building bulk delete query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing bulk delete for %s: %w", kind, err)
	}

	return nil
}

// ListUnsynced retrieves records with local changes pending remote acknowledgement
func (r *SQLRepository) ListUnsynced(ctx context.Context, kind EntityKind, limit int) ([]Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	q := r.builder.Select(columnsFor(kind)...).
		From(table).
		Where(sq.Or{
			sq.Eq{"synced_at": nil},
			sq.Expr("synced_at < updated_at"),
		}).
		OrderBy("updated_at ASC")

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list unsynced query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list unsynced query: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(kind, rows)
		if err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", kind, err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s rows: %w", kind, err)
	}

	return records, nil
}

// UpdateSyncStatus records a durable remote acknowledgement for an entity
func (r *SQLRepository) UpdateSyncStatus(ctx context.Context, kind EntityKind, id string, syncVersion int64) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	q := r.builder.Update(table).
		Set("synced_at", time.Now()).
		Set("sync_version", syncVersion).
		Where(sq.Eq{"id": id})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building update sync status query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing update sync status query: %w", err)
	}

	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func columnsFor(kind EntityKind) []string {
	switch kind {
	case EntityKindCard:
		return []string{"id", "folder_id", "title", "content", "style", "sync_version", "deleted", "created_at", "updated_at", "synced_at"}
	case EntityKindFolder:
		return []string{"id", "parent_id", "name", "position", "style", "sync_version", "deleted", "created_at", "updated_at", "synced_at"}
	case EntityKindTag:
		return []string{"id", "name", "color", "sync_version", "deleted", "created_at", "updated_at", "synced_at"}
	case EntityKindImage:
		return []string{"id", "card_id", "file_name", "content_hash", "size_bytes", "sync_version", "deleted", "created_at", "updated_at", "synced_at"}
	default:
		return nil
	}
}

func valuesOf(rec Record) ([]interface{}, error) {
	switch v := rec.(type) {
	case *Card:
		return []interface{}{v.ID, nullable(v.FolderID), v.Title, v.Content, v.Style, v.SyncVersion, v.Deleted, v.CreatedAt, v.UpdatedAt, v.SyncedAt}, nil
	case *Folder:
		return []interface{}{v.ID, nullable(v.ParentID), v.Name, v.Position, v.Style, v.SyncVersion, v.Deleted, v.CreatedAt, v.UpdatedAt, v.SyncedAt}, nil
	case *Tag:
		return []interface{}{v.ID, v.Name, nullable(v.Color), v.SyncVersion, v.Deleted, v.CreatedAt, v.UpdatedAt, v.SyncedAt}, nil
	case *Image:
		return []interface{}{v.ID, nullable(v.CardID), v.FileName, v.ContentHash, v.SizeBytes, v.SyncVersion, v.Deleted, v.CreatedAt, v.UpdatedAt, v.SyncedAt}, nil
	default:
		return nil, fmt.Errorf("unsupported record type %T", rec)
	}
}

func scanRecord(kind EntityKind, sc rowScanner) (Record, error) {
	switch kind {
	case EntityKindCard:
		var c Card
		var folderID, style sql.NullString
		var syncedAt sql.NullTime
		if err := sc.Scan(&c.ID, &folderID, &c.Title, &c.Content, &style, &c.SyncVersion, &c.Deleted, &c.CreatedAt, &c.UpdatedAt, &syncedAt); err != nil {
			return nil, err
		}
		c.FolderID = folderID.String
		if style.Valid {
			c.Style = []byte(style.String)
		}
		if syncedAt.Valid {
			c.SyncedAt = &syncedAt.Time
		}
		return &c, nil

	case EntityKindFolder:
		var f Folder
		var parentID, style sql.NullString
		var syncedAt sql.NullTime
		if err := sc.Scan(&f.ID, &parentID, &f.Name, &f.Position, &style, &f.SyncVersion, &f.Deleted, &f.CreatedAt, &f.UpdatedAt, &syncedAt); err != nil {
			return nil, err
		}
		f.ParentID = parentID.String
		if style.Valid {
			f.Style = []byte(style.String)
		}
		if syncedAt.Valid {
			f.SyncedAt = &syncedAt.Time
		}
		return &f, nil

	case EntityKindTag:
		var t Tag
		var color sql.NullString
		var syncedAt sql.NullTime
		if err := sc.Scan(&t.ID, &t.Name, &color, &t.SyncVersion, &t.Deleted, &t.CreatedAt, &t.UpdatedAt, &syncedAt); err != nil {
			return nil, err
		}
		t.Color = color.String
		if syncedAt.Valid {
			t.SyncedAt = &syncedAt.Time
		}
		return &t, nil

	case EntityKindImage:
		var i Image
		var cardID sql.NullString
		var syncedAt sql.NullTime
		if err := sc.Scan(&i.ID, &cardID, &i.FileName, &i.ContentHash, &i.SizeBytes, &i.SyncVersion, &i.Deleted, &i.CreatedAt, &i.UpdatedAt, &syncedAt); err != nil {
			return nil, err
		}
		i.CardID = cardID.String
		if syncedAt.Valid {
			i.SyncedAt = &syncedAt.Time
		}
		return &i, nil

	default:
		return nil, ErrUnknownEntityKind
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
