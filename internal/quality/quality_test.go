package quality

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketlake/asharetl/internal/meta"
	"github.com/marketlake/asharetl/internal/metrics"
	"github.com/marketlake/asharetl/internal/store"
)

type recordedCheck struct {
	date   int
	name   string
	status string
	detail string
}

type fakeRecorder struct{ rows []recordedCheck }

func (f *fakeRecorder) Record(_ context.Context, date int, name, status, detail string) error {
	f.rows = append(f.rows, recordedCheck{date: date, name: name, status: status, detail: detail})
	return nil
}

func newMockChecker(t *testing.T) (*Checker, sqlmock.Sqlmock, *fakeRecorder) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec := &fakeRecorder{}
	mgr := store.FromDB(sqlx.NewDb(db, "postgres"), time.Second)
	return NewChecker(mgr, rec, metrics.New()), mock, rec
}

func TestRowCountFloorPassAndFail(t *testing.T) {
	c, mock, rec := newMockChecker(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ods_daily WHERE trade_date`).
		WithArgs(20240111).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5123))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ods_adj_factor WHERE trade_date`).
		WithArgs(20240111).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

	results, err := c.Run(context.Background(), 20240111, []Assertion{
		RowCountFloor("ods_daily", 3000, SeverityHigh),
		RowCountFloor("ods_adj_factor", 3000, SeverityHigh),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed)
	assert.True(t, HasHigh(results))

	// Only the failure lands in the quality log.
	require.Len(t, rec.rows, 1)
	assert.Equal(t, "row_count:ods_adj_factor", rec.rows[0].name)
	assert.Equal(t, "FAILED", rec.rows[0].status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNullRatioCeiling(t *testing.T) {
	c, mock, rec := newMockChecker(t)

	mock.ExpectQuery(`FROM ods_daily WHERE trade_date`).
		WithArgs(20240111).
		WillReturnRows(sqlmock.NewRows([]string{"ratio"}).AddRow(0.2))

	results, err := c.Run(context.Background(), 20240111, []Assertion{
		NullRatioCeiling("ods_daily", "close", 0.01, SeverityHigh),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Contains(t, results[0].Detail, "null ratio")
	assert.Len(t, rec.rows, 1)
}

func TestMaxDateBehindFails(t *testing.T) {
	c, mock, _ := newMockChecker(t)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(trade_date\), 0\) FROM dwd_daily`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(20240110))

	results, err := c.Run(context.Background(), 20240111, []Assertion{
		MaxDateAtLeast("dwd_daily", SeverityHigh),
	})
	require.NoError(t, err)
	assert.False(t, results[0].Passed)
	assert.True(t, HasHigh(results))
}

func TestJoinCoverageWarnDoesNotCountAsHigh(t *testing.T) {
	c, mock, _ := newMockChecker(t)

	mock.ExpectQuery(`LEFT JOIN dim_stock`).
		WithArgs(20240111).
		WillReturnRows(sqlmock.NewRows([]string{"ratio"}).AddRow(0.9))

	results, err := c.Run(context.Background(), 20240111, []Assertion{
		JoinCoverage("ods_daily", "dim_stock", 0.98, SeverityWarn),
	})
	require.NoError(t, err)
	assert.False(t, results[0].Passed)
	assert.False(t, HasHigh(results))
}

func TestRunAbortsOnStoreError(t *testing.T) {
	c, mock, rec := newMockChecker(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ods_daily`).
		WithArgs(20240111).
		WillReturnError(sql.ErrConnDone)

	_, err := c.Run(context.Background(), 20240111, []Assertion{
		RowCountFloor("ods_daily", 3000, SeverityHigh),
	})
	require.Error(t, err)
	assert.Empty(t, rec.rows)
}

type fakeLister struct{ rows []meta.Watermark }

func (f *fakeLister) StaleSince(context.Context, time.Time) ([]meta.Watermark, error) {
	return f.rows, nil
}

type fakeCounter struct{ counts map[string]int }

func (f *fakeCounter) SuccessesSince(_ context.Context, api string, _ time.Time) (int, error) {
	return f.counts[api], nil
}

func TestSLOCheckFlagsStaleAndSilentAPIs(t *testing.T) {
	lister := &fakeLister{rows: []meta.Watermark{
		{APIName: "daily", Status: meta.StatusFailed},
		{APIName: "moneyflow", Status: meta.StatusSuccess}, // not core, ignored
	}}
	counter := &fakeCounter{counts: map[string]int{"daily_basic": 2, "adj_factor": 0}}

	checker := NewSLOChecker(lister, counter)
	report, err := checker.Check(context.Background(), 26*time.Hour,
		[]string{"daily", "daily_basic", "adj_factor"})
	require.NoError(t, err)

	require.True(t, report.Breached())
	require.Len(t, report.Breaches, 2)
	assert.Equal(t, "daily", report.Breaches[0].APIName)
	assert.Contains(t, report.Breaches[0].Reason, "FAILED")
	assert.Equal(t, "adj_factor", report.Breaches[1].APIName)
	assert.Contains(t, report.String(), "adj_factor")
}

func TestSLOCheckCleanWindow(t *testing.T) {
	checker := NewSLOChecker(&fakeLister{}, &fakeCounter{counts: map[string]int{"daily": 1}})
	report, err := checker.Check(context.Background(), 26*time.Hour, []string{"daily"})
	require.NoError(t, err)
	assert.False(t, report.Breached())
	assert.Contains(t, report.String(), "fresh")
}
