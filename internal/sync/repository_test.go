package sync

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/cardvault/internal/clock"
	"github.com/tildaslashalef/cardvault/internal/loggy"
)

func newMockRepo(t *testing.T) (*SQLRepository, sqlmock.Sqlmock, *clock.Mock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewMock()
	return NewSQLRepository(db, clk, loggy.NewNoopLogger()), mock, clk
}

func TestCreateSyncLogAssignsID(t *testing.T) {
	repo, mock, clk := newMockRepo(t)

	mock.ExpectExec("INSERT INTO sync_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	log := NewSyncLog(SyncTypeManual, clk.Now())
	log.MarkSuccessful(12, clk.Now().Add(2*time.Second))

	require.NoError(t, repo.CreateSyncLog(context.Background(), log))
	require.NoError(t, mock.ExpectationsWereMet())

	assert.NotEmpty(t, log.ID)
	assert.True(t, log.Success)
	assert.Equal(t, 12, log.ItemsSynced)
}

func TestGetSyncLogsNewestFirst(t *testing.T) {
	repo, mock, clk := newMockRepo(t)
	now := clk.Now()

	rows := sqlmock.NewRows(syncLogColumns).
		AddRow("sync_2", "scheduled", true, nil, nil, 4, now.Add(time.Minute), now.Add(time.Minute+time.Second)).
		AddRow("sync_1", "manual", false, "network", "connection refused", 0, now, now.Add(time.Second))

	mock.ExpectQuery("SELECT .+ FROM sync_logs ORDER BY completed_at DESC").
		WillReturnRows(rows)

	logs, err := repo.GetSyncLogs(context.Background(), 10, 0)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, logs, 2)
	assert.Equal(t, SyncTypeScheduled, logs[0].SyncType)
	assert.True(t, logs[0].Success)
	assert.Equal(t, SyncErrorTypeNetwork, logs[1].ErrorType)
	assert.Equal(t, "connection refused", logs[1].ErrorMessage)
}

func TestGetLatestSyncLogEmpty(t *testing.T) {
	repo, mock, _ := newMockRepo(t)

	mock.ExpectQuery("SELECT .+ FROM sync_logs ORDER BY completed_at DESC LIMIT 1").
		WillReturnRows(sqlmock.NewRows(syncLogColumns))

	log, err := repo.GetLatestSyncLog(context.Background())
	require.NoError(t, err)
	assert.Nil(t, log)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRoundTrip(t *testing.T) {
	repo, mock, _ := newMockRepo(t)
	at := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	mock.ExpectExec("INSERT OR REPLACE INTO settings").
		WithArgs("sync.checkpoint", at.Format(time.RFC3339Nano), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SetCheckpoint(context.Background(), at))

	mock.ExpectQuery("SELECT value FROM settings WHERE key = ?").
		WithArgs("sync.checkpoint").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(at.Format(time.RFC3339Nano)))

	got, err := repo.GetCheckpoint(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Equal(at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCheckpointUnset(t *testing.T) {
	repo, mock, _ := newMockRepo(t)

	mock.ExpectQuery("SELECT value FROM settings WHERE key = ?").
		WithArgs("sync.checkpoint").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	got, err := repo.GetCheckpoint(context.Background())
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingUnsetReturnsEmpty(t *testing.T) {
	repo, mock, _ := newMockRepo(t)

	mock.ExpectQuery("SELECT value FROM settings WHERE key = ?").
		WithArgs("sync.token").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	value, err := repo.GetSetting(context.Background(), settingToken)
	require.NoError(t, err)
	assert.Empty(t, value)
	require.NoError(t, mock.ExpectationsWereMet())
}
