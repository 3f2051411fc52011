package meta

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketlake/asharetl/internal/errs"
	"github.com/marketlake/asharetl/internal/store"
)

// zombieReason is recorded on RUNNING rows reclaimed by the guard.
const zombieReason = "zombie-reclaimed"

// RunLogEntry is one row of meta_etl_run_log.
type RunLogEntry struct {
	ID           int64          `db:"id"`
	APIName      string         `db:"api_name"`
	RunType      string         `db:"run_type"`
	StartAt      time.Time      `db:"start_at"`
	EndAt        sql.NullTime   `db:"end_at"`
	RequestCount int            `db:"request_count"`
	FailCount    int            `db:"fail_count"`
	Status       string         `db:"status"`
	ErrMsg       sql.NullString `db:"err_msg"`
}

// RunCounts carries the request bookkeeping closed into a run log row.
type RunCounts struct {
	Requests int
	Failures int
}

// RunLog is the append-only execution journal. Open and Close are separate
// persisted events; a crash in between leaves a RUNNING zombie that
// ReclaimZombies repairs.
type RunLog struct {
	mgr *store.Manager
}

// NewRunLog creates the run log repository.
func NewRunLog(mgr *store.Manager) *RunLog {
	return &RunLog{mgr: mgr}
}

// Open appends a RUNNING row and returns its id.
func (r *RunLog) Open(ctx context.Context, apiName, runType string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.mgr.QueryTimeout())
	defer cancel()

	var id int64
	err := r.mgr.DB().QueryRowxContext(ctx,
		`INSERT INTO meta_etl_run_log (api_name, run_type, start_at, status)
		 VALUES ($1, $2, now(), $3) RETURNING id`, apiName, runType, StatusRunning).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("open run log for %s: %w", apiName, err)
	}
	log.Info().Str("api", apiName).Str("run_type", runType).Int64("run_id", id).Msg("run opened")
	return id, nil
}

// Close sets the terminal status of a run.
func (r *RunLog) Close(ctx context.Context, runID int64, status string, counts RunCounts, errMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, r.mgr.QueryTimeout())
	defer cancel()

	var msgVal interface{}
	if errMsg != "" {
		msgVal = errs.Truncate(errMsg, 1000)
	}
	_, err := r.mgr.DB().ExecContext(ctx,
		`UPDATE meta_etl_run_log
		 SET end_at = now(), status = $1, err_msg = $2, request_count = $3, fail_count = $4
		 WHERE id = $5`, status, msgVal, counts.Requests, counts.Failures, runID)
	if err != nil {
		return fmt.Errorf("close run log %d: %w", runID, err)
	}
	log.Info().Int64("run_id", runID).Str("status", status).
		Int("requests", counts.Requests).Int("failures", counts.Failures).Msg("run closed")
	return nil
}

// LiveRun returns the youngest RUNNING row for an api, or nil.
func (r *RunLog) LiveRun(ctx context.Context, apiName string) (*RunLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.mgr.QueryTimeout())
	defer cancel()

	var row RunLogEntry
	err := r.mgr.DB().GetContext(ctx, &row,
		`SELECT id, api_name, run_type, start_at, end_at, request_count, fail_count, status, err_msg
		 FROM meta_etl_run_log
		 WHERE api_name = $1 AND status = $2
		 ORDER BY start_at DESC LIMIT 1`, apiName, StatusRunning)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query live run for %s: %w", apiName, err)
	}
	return &row, nil
}

// ReclaimZombies flips RUNNING rows of an api older than the threshold to
// FAILED and returns how many were reclaimed.
func (r *RunLog) ReclaimZombies(ctx context.Context, apiName string, threshold time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.mgr.QueryTimeout())
	defer cancel()

	res, err := r.mgr.DB().ExecContext(ctx,
		`UPDATE meta_etl_run_log
		 SET status = $1, end_at = COALESCE(end_at, now()), err_msg = $2
		 WHERE api_name = $3 AND status = $4 AND start_at < $5`,
		StatusFailed, zombieReason, apiName, StatusRunning, time.Now().Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("reclaim zombies for %s: %w", apiName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim zombies for %s: %w", apiName, err)
	}
	if n > 0 {
		log.Warn().Str("api", apiName).Int64("reclaimed", n).Msg("stale RUNNING rows flipped to FAILED")
	}
	return n, nil
}

// RecentRuns lists the newest runs for the ops endpoint.
func (r *RunLog) RecentRuns(ctx context.Context, limit int) ([]RunLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.mgr.QueryTimeout())
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	var rows []RunLogEntry
	err := r.mgr.DB().SelectContext(ctx, &rows,
		`SELECT id, api_name, run_type, start_at, end_at, request_count, fail_count, status, err_msg
		 FROM meta_etl_run_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	return rows, nil
}

// SuccessesSince counts SUCCESS rows newer than the cutoff, for the SLO
// window check.
func (r *RunLog) SuccessesSince(ctx context.Context, apiName string, cutoff time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.mgr.QueryTimeout())
	defer cancel()

	var n int
	err := r.mgr.DB().GetContext(ctx, &n,
		`SELECT COUNT(*) FROM meta_etl_run_log
		 WHERE api_name = $1 AND status = $2 AND start_at >= $3`,
		apiName, StatusSuccess, cutoff)
	if err != nil {
		return 0, fmt.Errorf("count successes for %s: %w", apiName, err)
	}
	return n, nil
}
