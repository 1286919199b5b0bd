package conflict

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/cardvault/internal/loggy"
	"github.com/tildaslashalef/cardvault/internal/store"
)

func newMockRepo(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLRepository(db, loggy.NewNoopLogger()), mock
}

func TestSaveConflict(t *testing.T) {
	repo, mock := newMockRepo(t)

	c := &Conflict{
		ID:                "cfl_1",
		EntityKind:        store.EntityKindCard,
		EntityID:          "card_1",
		LocalVersion:      json.RawMessage(`{"id":"card_1","sync_version":2}`),
		RemoteVersion:     json.RawMessage(`{"id":"card_1","sync_version":3}`),
		ConflictingFields: []string{"content"},
		Severity:          SeverityMedium,
		Status:            StatusPending,
		DetectedAt:        time.Now(),
	}

	mock.ExpectExec("INSERT INTO conflicts").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Save(context.Background(), c))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT .+ FROM conflicts WHERE id = ").
		WithArgs("cfl_missing").
		WillReturnRows(sqlmock.NewRows(conflictColumns))

	_, err := repo.GetByID(context.Background(), "cfl_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingScansFields(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	rows := sqlmock.NewRows(conflictColumns).
		AddRow("cfl_1", "card", "card_1",
			[]byte(`{"sync_version":2}`), []byte(`{"sync_version":3}`),
			[]byte(`["content","title"]`), "medium", "pending", "", now, nil)

	mock.ExpectQuery("SELECT .+ FROM conflicts WHERE status = .+ ORDER BY detected_at ASC").
		WithArgs("pending").
		WillReturnRows(rows)

	conflicts, err := repo.ListPending(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, conflicts, 1)
	assert.Equal(t, store.EntityKindCard, conflicts[0].EntityKind)
	assert.Equal(t, []string{"content", "title"}, conflicts[0].ConflictingFields)
	assert.Equal(t, SeverityMedium, conflicts[0].Severity)
	assert.Nil(t, conflicts[0].ResolvedAt)
}

func TestMarkResolvedMissingConflict(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE conflicts SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkResolved(context.Background(), "cfl_missing", ChoiceKeepLocal, time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneKeepsPending(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("DELETE FROM conflicts").
		WithArgs("pending", "pending", 500).
		WillReturnResult(sqlmock.NewResult(0, 12))

	require.NoError(t, repo.Prune(context.Background(), 500))
	require.NoError(t, mock.ExpectationsWereMet())
}
