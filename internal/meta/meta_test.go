package meta

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketlake/asharetl/internal/errs"
	"github.com/marketlake/asharetl/internal/store"
)

func mockManager(t *testing.T) (*store.Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.FromDB(sqlx.NewDb(db, "sqlmock"), time.Second), mock
}

func TestWatermarks_ReadMissingIsNil(t *testing.T) {
	mgr, mock := mockManager(t)
	wm := NewWatermarks(mgr)

	mock.ExpectQuery(`SELECT .+ FROM meta_etl_watermark WHERE api_name`).
		WithArgs("daily").WillReturnError(sql.ErrNoRows)

	row, err := wm.Read(context.Background(), "daily")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestWatermarks_Advance(t *testing.T) {
	mgr, mock := mockManager(t)
	wm := NewWatermarks(mgr)

	mock.ExpectExec(`UPDATE meta_etl_watermark`).
		WithArgs(20240111, StatusSuccess, "daily").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, wm.Advance(context.Background(), "daily", 20240111, 20240111))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWatermarks_AdvanceRefusesFutureValue(t *testing.T) {
	mgr, mock := mockManager(t)
	wm := NewWatermarks(mgr)

	// No SQL expectation: the clamp must fire before any statement.
	err := wm.Advance(context.Background(), "daily", 20251231, 20240115)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "today-cap")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWatermarks_AdvanceRefusesNonMonotonic(t *testing.T) {
	mgr, mock := mockManager(t)
	wm := NewWatermarks(mgr)

	// The guarded UPDATE matches no row when water_mark >= new value.
	mock.ExpectExec(`UPDATE meta_etl_watermark`).
		WithArgs(20240110, StatusSuccess, "daily").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := wm.Advance(context.Background(), "daily", 20240110, 20240115)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-monotonic")
}

func TestWatermarks_EnsureLeavesExistingRow(t *testing.T) {
	mgr, mock := mockManager(t)
	wm := NewWatermarks(mgr)

	mock.ExpectExec(`INSERT INTO meta_etl_watermark .+ ON CONFLICT \(api_name\) DO NOTHING`).
		WithArgs("daily", 20240110, StatusSuccess).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, wm.Ensure(context.Background(), "daily", 20240110))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLog_OpenClose(t *testing.T) {
	mgr, mock := mockManager(t)
	rl := NewRunLog(mgr)

	mock.ExpectQuery(`INSERT INTO meta_etl_run_log .+ RETURNING id`).
		WithArgs("daily", "incremental", StatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := rl.Open(context.Background(), "daily", "incremental")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	mock.ExpectExec(`UPDATE meta_etl_run_log`).
		WithArgs(StatusSuccess, nil, 12, 0, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, rl.Close(context.Background(), 7, StatusSuccess, RunCounts{Requests: 12}, ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLog_CloseTruncatesErrorText(t *testing.T) {
	mgr, mock := mockManager(t)
	rl := NewRunLog(mgr)

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}

	mock.ExpectExec(`UPDATE meta_etl_run_log`).
		WithArgs(StatusFailed, string(long[:1000]), 3, 1, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := rl.Close(context.Background(), 9, StatusFailed, RunCounts{Requests: 3, Failures: 1}, string(long))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_AdmitCleanPath(t *testing.T) {
	mgr, mock := mockManager(t)
	guard := NewGuard(NewRunLog(mgr), NewRetryGuard(mgr), 2*time.Hour)

	mock.ExpectQuery(`SELECT .+ FROM meta_retry_guard`).
		WithArgs("daily_pipeline", "daily_pipeline:20240111").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`UPDATE meta_etl_run_log`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM meta_etl_run_log`).
		WithArgs("daily", StatusRunning).
		WillReturnError(sql.ErrNoRows)

	err := guard.Admit(context.Background(), "daily", "daily_pipeline", "daily_pipeline:20240111")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_AdmitSkipsSatisfiedKey(t *testing.T) {
	mgr, mock := mockManager(t)
	guard := NewGuard(NewRunLog(mgr), NewRetryGuard(mgr), 2*time.Hour)

	rows := sqlmock.NewRows([]string{
		"id", "task_name", "idempotency_key", "status", "attempt",
		"started_at", "finished_at", "timeout_sec", "err_msg",
	}).AddRow(int64(1), "daily_pipeline", "daily_pipeline:20240111", StatusSuccess, 1,
		time.Now().Add(-time.Hour), time.Now(), 3600, nil)
	mock.ExpectQuery(`SELECT .+ FROM meta_retry_guard`).WillReturnRows(rows)

	err := guard.Admit(context.Background(), "daily", "daily_pipeline", "daily_pipeline:20240111")
	assert.ErrorIs(t, err, ErrAlreadySatisfied)
	assert.NoError(t, mock.ExpectationsWereMet(), "no run-log statements after a guard hit")
}

func TestGuard_AdmitReclaimsZombieThenProceeds(t *testing.T) {
	mgr, mock := mockManager(t)
	guard := NewGuard(NewRunLog(mgr), NewRetryGuard(mgr), 2*time.Hour)

	// One three-hour-old RUNNING row gets flipped, then no live run remains.
	mock.ExpectExec(`UPDATE meta_etl_run_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM meta_etl_run_log`).
		WithArgs("daily", StatusRunning).
		WillReturnError(sql.ErrNoRows)

	err := guard.Admit(context.Background(), "daily", "", "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_AdmitRefusesLiveRun(t *testing.T) {
	mgr, mock := mockManager(t)
	guard := NewGuard(NewRunLog(mgr), NewRetryGuard(mgr), 2*time.Hour)

	mock.ExpectExec(`UPDATE meta_etl_run_log`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	live := sqlmock.NewRows([]string{
		"id", "api_name", "run_type", "start_at", "end_at",
		"request_count", "fail_count", "status", "err_msg",
	}).AddRow(int64(3), "daily", "incremental", time.Now().Add(-10*time.Minute), nil,
		0, 0, StatusRunning, nil)
	mock.ExpectQuery(`SELECT .+ FROM meta_etl_run_log`).WillReturnRows(live)

	err := guard.Admit(context.Background(), "daily", "", "")
	require.Error(t, err)
	assert.Equal(t, errs.KindConcurrentRun, errs.KindOf(err))
}

func TestRetryGuard_BeginAndFinish(t *testing.T) {
	mgr, mock := mockManager(t)
	rg := NewRetryGuard(mgr)

	mock.ExpectExec(`INSERT INTO meta_retry_guard .+ ON CONFLICT \(task_name, idempotency_key\) DO UPDATE`).
		WithArgs("ods_incremental", "ods_incremental:20240111", StatusRunning, 3600).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, rg.Begin(context.Background(), "ods_incremental", "ods_incremental:20240111", time.Hour))

	mock.ExpectExec(`UPDATE meta_retry_guard`).
		WithArgs(StatusSuccess, nil, "ods_incremental", "ods_incremental:20240111").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, rg.Finish(context.Background(), "ods_incremental", "ods_incremental:20240111", StatusSuccess, ""))

	assert.NoError(t, mock.ExpectationsWereMet())
}
