package store_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/xynlabs/xyn/internal/model"
	"github.com/xynlabs/xyn/internal/store"
)

func runColumns() []string {
	return []string{
		"id", "name", "blueprint_ref", "status", "run_at", "priority", "attempt", "max_attempts",
		"queued_at", "locked_at", "locked_by", "lease_expires_at", "started_at", "completed_at",
		"actor", "correlation_id", "inputs", "outputs", "error", "parent_run_id", "created_at", "updated_at",
	}
}

func runRow(id, correlationID uuid.UUID, status model.RunStatus) []driverValue {
	now := time.Now().UTC()
	return []driverValue{
		id, "r1", "bp", string(status), now, 0, 1, nil,
		now, nil, nil, now.Add(time.Minute), now, nil,
		"", correlationID, []byte("{}"), []byte("{}"), []byte("{}"), nil, now, now,
	}
}

// driverValue keeps the row-building helper readable without importing
// driver.Value at every call site.
type driverValue = driver.Value

func TestPGStoreClaimStampsLeaseAndEmitsStarted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	runID := uuid.New()
	correlationID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("with c as").
		WithArgs("w1", "60 seconds").
		WillReturnRows(sqlmock.NewRows(runColumns()).AddRow(runRow(runID, correlationID, model.RunRunning)...))
	mock.ExpectExec("insert into events").
		WithArgs(sqlmock.AnyArg(), correlationID, runID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	s := store.NewPGStore(db)
	run, reclaimed, err := s.Claim(context.Background(), "w1", time.Minute)
	require.NoError(t, err)
	require.False(t, reclaimed)
	require.Equal(t, runID, run.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreClaimReturnsNoRunWhenQueueEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("with c as").
		WithArgs("w1", "60 seconds").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	s := store.NewPGStore(db)
	run, _, err := s.Claim(context.Background(), "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, uuid.Nil, run.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreFinalizeCancelledRunEmitsEventAtomically(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	runID := uuid.New()
	correlationID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("update runs").
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{"correlation_id"}).AddRow(correlationID))
	mock.ExpectExec("insert into events").
		WithArgs(sqlmock.AnyArg(), correlationID, runID).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	s := store.NewPGStore(db)
	require.NoError(t, s.FinalizeCancelledRun(context.Background(), runID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreFinalizeCancelledRunNoopWhenNotRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	runID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("update runs").
		WithArgs(runID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	s := store.NewPGStore(db)
	require.NoError(t, s.FinalizeCancelledRun(context.Background(), runID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreCancelRunQueuedEmitsCancelledEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	runID := uuid.New()
	correlationID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("from runs where id = \\$1 for update").
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows(runColumns()).AddRow(runRow(runID, correlationID, model.RunQueued)...))
	mock.ExpectExec("update runs set status = 'cancelled'").
		WithArgs(runID).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into events").
		WithArgs(sqlmock.AnyArg(), correlationID, runID).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	s := store.NewPGStore(db)
	got, err := s.CancelRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, model.RunCancelled, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreRunningWithLeaseGauges(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("select count\\(\\*\\) from runs where status = 'running' and lease_expires_at < now\\(\\)").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("select count\\(\\*\\) from runs where status = 'running' and lease_expires_at >= now\\(\\)").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	s := store.NewPGStore(db)
	expired, err := s.RunningWithExpiredLease(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), expired)

	active, err := s.RunningWithActiveLease(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), active)
	require.NoError(t, mock.ExpectationsWereMet())
}
