package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/cardvault/internal/loggy"
)

func newMockRepo(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewSQLRepository(db, loggy.NewNoopLogger()), mock
}

func TestGetCard(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "folder_id", "title", "content", "style", "sync_version",
		"deleted", "created_at", "updated_at", "synced_at",
	}).AddRow("card_1", "folder_1", "Go interfaces", "Accept interfaces, return structs", `{"color":"blue"}`, 3, false, now, now, now)

	mock.ExpectQuery("SELECT .+ FROM cards WHERE id = ?").
		WithArgs("card_1").
		WillReturnRows(rows)

	rec, err := repo.Get(context.Background(), EntityKindCard, "card_1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	card, ok := rec.(*Card)
	require.True(t, ok)
	assert.Equal(t, "card_1", card.ID)
	assert.Equal(t, "folder_1", card.FolderID)
	assert.Equal(t, int64(3), card.SyncVersion)
	require.NotNil(t, card.SyncedAt)
}

func TestGetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT .+ FROM cards WHERE id = ?").
		WithArgs("card_missing").
		WillReturnRows(sqlmock.NewRows(columnsFor(EntityKindCard)))

	_, err := repo.Get(context.Background(), EntityKindCard, "card_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUnknownKind(t *testing.T) {
	repo, _ := newMockRepo(t)

	_, err := repo.Get(context.Background(), EntityKind("sticker"), "x")
	assert.ErrorIs(t, err, ErrUnknownEntityKind)
}

func TestBulkAddCards(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectExec("INSERT INTO cards").
		WillReturnResult(sqlmock.NewResult(0, 2))

	cards := []Record{
		&Card{ID: "card_1", Title: "a", CreatedAt: now, UpdatedAt: now, SyncVersion: 1},
		&Card{ID: "card_2", Title: "b", CreatedAt: now, UpdatedAt: now, SyncVersion: 1},
	}
	require.NoError(t, repo.BulkAdd(context.Background(), EntityKindCard, cards))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkAddKindMismatch(t *testing.T) {
	repo, _ := newMockRepo(t)

	err := repo.BulkAdd(context.Background(), EntityKindCard, []Record{
		&Tag{ID: "tag_1", Name: "go"},
	})

	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.False(t, IsRetryable(err))
}

func TestBulkAddEmpty(t *testing.T) {
	repo, mock := newMockRepo(t)

	require.NoError(t, repo.BulkAdd(context.Background(), EntityKindCard, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkPutUsesReplace(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectExec("INSERT OR REPLACE INTO tags").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.BulkPut(context.Background(), EntityKindTag, []Record{
		&Tag{ID: "tag_1", Name: "go", CreatedAt: now, UpdatedAt: now, SyncVersion: 2},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkDeleteTombstones(t *testing.T) {
	repo, mock := newMockRepo(t)

	// Deletes mark the row and bump the version; the row itself survives so a
	// later remote edit can still be detected as a conflict
	mock.ExpectExec("UPDATE cards SET deleted = .+ sync_version = sync_version \\+ 1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.BulkDelete(context.Background(), EntityKindCard, []string{"card_1", "card_2"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnsynced(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	rows := sqlmock.NewRows(columnsFor(EntityKindFolder)).
		AddRow("folder_1", nil, "Inbox", 0, nil, 1, false, now, now, nil)

	mock.ExpectQuery("SELECT .+ FROM folders WHERE \\(synced_at IS NULL OR synced_at < updated_at\\) ORDER BY updated_at ASC").
		WillReturnRows(rows)

	records, err := repo.ListUnsynced(context.Background(), EntityKindFolder, 10)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, records, 1)
	folder := records[0].(*Folder)
	assert.Equal(t, "Inbox", folder.Name)
	assert.Nil(t, folder.SyncedAt)
}

func TestUpdateSyncStatus(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE images SET synced_at = .+ sync_version = ?").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateSyncStatus(context.Background(), EntityKindImage, "img_1", 5))
	require.NoError(t, mock.ExpectationsWereMet())
}
