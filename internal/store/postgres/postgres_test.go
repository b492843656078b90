package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsmarket/syncengine/internal/model"
	"github.com/partsmarket/syncengine/internal/store"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestPartsUpsertBatchCountsInsertsAndUpdates(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPartsRepo(db, time.Second)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO parts")
	prep.ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))
	prep.ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(false))
	mock.ExpectCommit()

	res, err := repo.UpsertBatch(context.Background(), []model.Part{
		{IntegrationID: "int-1", PartNumber: "a1", Supplier: "S"},
		{IntegrationID: "int-1", PartNumber: "a2", Supplier: "S"},
	}, store.WriteAck)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	assert.True(t, res.Acked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPartsUpsertBatchAsyncIsOptimistic(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPartsRepo(db, time.Second)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO parts")
	prep.ExpectQuery().
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))
	mock.ExpectCommit()

	res, err := repo.UpsertBatch(context.Background(), []model.Part{
		{IntegrationID: "int-1", PartNumber: "a1", Supplier: "S"},
	}, store.WriteAsync)
	require.NoError(t, err)

	assert.False(t, res.Acked)
	assert.Equal(t, 1, res.Inserted)

	// the flush barrier proves the queued batch was applied
	require.NoError(t, repo.Flush(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPartsDeleteByIntegration(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPartsRepo(db, time.Second)

	mock.ExpectExec("DELETE FROM parts").
		WithArgs("int-1").
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := repo.DeleteByIntegration(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestPartsCountByIntegration(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPartsRepo(db, time.Second)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("int-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := repo.CountByIntegration(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestRequestsEnqueueDeduplicates(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRequestsRepo(db, time.Second)

	mock.ExpectQuery("INSERT INTO sync_requests").
		WithArgs("int-1", "manual").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	ok, err := repo.Enqueue(context.Background(), "int-1", "manual")
	require.NoError(t, err)
	assert.True(t, ok)

	// a pending request already exists: the guarded insert returns no row
	mock.ExpectQuery("INSERT INTO sync_requests").
		WithArgs("int-1", "manual").
		WillReturnError(sql.ErrNoRows)

	ok, err = repo.Enqueue(context.Background(), "int-1", "manual")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequestsClaimEmptyQueue(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRequestsRepo(db, time.Second)

	mock.ExpectQuery("UPDATE sync_requests").
		WillReturnError(sql.ErrNoRows)

	req, err := repo.Claim(context.Background())
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestRequestsClaimReturnsOldest(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRequestsRepo(db, time.Second)

	now := time.Now()
	mock.ExpectQuery("UPDATE sync_requests").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "integration_id", "status", "source", "error", "created_at", "updated_at"}).
			AddRow(5, "int-1", "processing", "scheduled", "", now, now))

	req, err := repo.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, int64(5), req.ID)
	assert.Equal(t, model.RequestProcessing, req.Status)
}

func TestIntegrationsGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIntegrationsRepo(db, time.Second)

	mock.ExpectQuery("SELECT (.+) FROM integrations").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	integ, err := repo.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, integ)
}

func TestIntegrationsGetRoundTrip(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIntegrationsRepo(db, time.Second)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM integrations").
		WithArgs("int-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "kind", "status", "config", "schedule", "options",
			"last_sync", "stats", "created_by", "updated_by", "created_at", "updated_at"}).
			AddRow("int-1", "Acme", "ftp", "active",
				[]byte(`{"ftp":{"host":"ftp.example.com","port":21,"user":"u","remotePath":"/","filePattern":"*.csv","secure":false,"protocol":"ftp"}}`),
				[]byte(`{"enabled":true,"frequency":"daily"}`),
				[]byte(`{"autoSync":true,"deltaSync":false,"retryOnFail":true,"maxRetries":3}`),
				[]byte(`{"status":"success","processed":10}`),
				[]byte(`{"totalRecords":10,"totalSyncs":1}`),
				"admin", "admin", now, now))

	integ, err := repo.Get(context.Background(), "int-1")
	require.NoError(t, err)
	require.NotNil(t, integ)

	assert.Equal(t, model.KindFTP, integ.Kind)
	require.NotNil(t, integ.FTP)
	assert.Equal(t, "ftp.example.com", integ.FTP.Host)
	assert.True(t, integ.Schedule.Enabled)
	assert.True(t, integ.Options.RetryOnFail)
	require.NotNil(t, integ.LastSync)
	assert.Equal(t, 10, integ.LastSync.Processed)
	assert.Equal(t, int64(10), integ.Stats.TotalRecords)
}

func TestIntegrationsCreateDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIntegrationsRepo(db, time.Second)

	mock.ExpectQuery("INSERT INTO integrations").
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Create(context.Background(), &model.Integration{ID: "int-1", Name: "Acme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestIntegrationsUpdateMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIntegrationsRepo(db, time.Second)

	mock.ExpectExec("UPDATE integrations").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &model.Integration{ID: "ghost"})
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestIntegrationsRecordOutcome(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIntegrationsRepo(db, time.Second)

	mock.ExpectExec("UPDATE integrations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.RecordOutcome(context.Background(), "int-1", model.LastSync{
		Status:    model.SyncSuccess,
		Processed: 100,
	})
	assert.NoError(t, err)
}

func TestHistoryAppend(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewHistoryRepo(db, time.Second)

	mock.ExpectExec("INSERT INTO sync_history").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Append(context.Background(), model.HistoryEntry{
		IntegrationID: "int-1",
		Status:        model.SyncSuccess,
	})
	assert.NoError(t, err)
}
