// Package meta owns the ETL bookkeeping tables: per-API watermarks, the run
// log with its single-flight guard, the retry guard, and the quality check
// log.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketlake/asharetl/internal/errs"
	"github.com/marketlake/asharetl/internal/store"
)

// Run statuses shared by watermarks and run log rows.
const (
	StatusRunning = "RUNNING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Watermark is the persistent incremental cursor of one API.
type Watermark struct {
	APIName   string         `db:"api_name"`
	WaterMark int            `db:"water_mark"`
	Status    string         `db:"status"`
	LastRunAt sql.NullTime   `db:"last_run_at"`
	LastErr   sql.NullString `db:"last_err"`
}

// Watermarks persists per-API cursors. The water mark only moves forward and
// never past the today-cap supplied by the caller.
type Watermarks struct {
	mgr *store.Manager
}

// NewWatermarks creates the watermark repository.
func NewWatermarks(mgr *store.Manager) *Watermarks {
	return &Watermarks{mgr: mgr}
}

// Read returns the watermark row, or (nil, nil) when the API has never run.
func (w *Watermarks) Read(ctx context.Context, apiName string) (*Watermark, error) {
	ctx, cancel := context.WithTimeout(ctx, w.mgr.QueryTimeout())
	defer cancel()

	var row Watermark
	err := w.mgr.DB().GetContext(ctx, &row,
		`SELECT api_name, water_mark, status, last_run_at, last_err
		 FROM meta_etl_watermark WHERE api_name = $1`, apiName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read watermark %s: %w", apiName, err)
	}
	return &row, nil
}

// Ensure creates the watermark lazily at the given initial value (the
// configured start date minus one trading day). Existing rows are untouched.
func (w *Watermarks) Ensure(ctx context.Context, apiName string, initial int) error {
	ctx, cancel := context.WithTimeout(ctx, w.mgr.QueryTimeout())
	defer cancel()

	_, err := w.mgr.DB().ExecContext(ctx,
		`INSERT INTO meta_etl_watermark (api_name, water_mark, status, last_run_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (api_name) DO NOTHING`, apiName, initial, StatusSuccess)
	if err != nil {
		return fmt.Errorf("ensure watermark %s: %w", apiName, err)
	}
	return nil
}

// Advance moves the watermark forward. The new value must be strictly greater
// than the current mark and must not exceed todayCap; both violations are
// refused without touching the row.
func (w *Watermarks) Advance(ctx context.Context, apiName string, newValue, todayCap int) error {
	if newValue > todayCap {
		return fmt.Errorf("refusing to advance %s watermark to %d past today-cap %d",
			apiName, newValue, todayCap)
	}

	ctx, cancel := context.WithTimeout(ctx, w.mgr.QueryTimeout())
	defer cancel()

	res, err := w.mgr.DB().ExecContext(ctx,
		`UPDATE meta_etl_watermark
		 SET water_mark = $1, status = $2, last_run_at = now(), last_err = NULL
		 WHERE api_name = $3 AND water_mark < $1`, newValue, StatusSuccess, apiName)
	if err != nil {
		return fmt.Errorf("advance watermark %s: %w", apiName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance watermark %s: %w", apiName, err)
	}
	if n == 0 {
		return fmt.Errorf("refusing non-monotonic advance of %s watermark to %d", apiName, newValue)
	}
	log.Debug().Str("api", apiName).Int("water_mark", newValue).Msg("watermark advanced")
	return nil
}

// MarkRunning flags the cursor as in-flight without moving it.
func (w *Watermarks) MarkRunning(ctx context.Context, apiName string) error {
	return w.setStatus(ctx, apiName, StatusRunning, "")
}

// MarkFailed records the failure without moving the cursor.
func (w *Watermarks) MarkFailed(ctx context.Context, apiName string, cause string) error {
	return w.setStatus(ctx, apiName, StatusFailed, errs.Truncate(cause, 1000))
}

func (w *Watermarks) setStatus(ctx context.Context, apiName, status, lastErr string) error {
	ctx, cancel := context.WithTimeout(ctx, w.mgr.QueryTimeout())
	defer cancel()

	var errVal interface{}
	if lastErr != "" {
		errVal = lastErr
	}
	_, err := w.mgr.DB().ExecContext(ctx,
		`UPDATE meta_etl_watermark
		 SET status = $1, last_run_at = now(), last_err = $2
		 WHERE api_name = $3`, status, errVal, apiName)
	if err != nil {
		return fmt.Errorf("mark watermark %s %s: %w", apiName, status, err)
	}
	return nil
}

// List returns all watermarks for the ops endpoint and the SLO check.
func (w *Watermarks) List(ctx context.Context) ([]Watermark, error) {
	ctx, cancel := context.WithTimeout(ctx, w.mgr.QueryTimeout())
	defer cancel()

	var rows []Watermark
	err := w.mgr.DB().SelectContext(ctx, &rows,
		`SELECT api_name, water_mark, status, last_run_at, last_err
		 FROM meta_etl_watermark ORDER BY api_name`)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	return rows, nil
}

// StaleSince returns watermarks whose last successful run is older than the
// cutoff, for SLO reporting.
func (w *Watermarks) StaleSince(ctx context.Context, cutoff time.Time) ([]Watermark, error) {
	ctx, cancel := context.WithTimeout(ctx, w.mgr.QueryTimeout())
	defer cancel()

	var rows []Watermark
	err := w.mgr.DB().SelectContext(ctx, &rows,
		`SELECT api_name, water_mark, status, last_run_at, last_err
		 FROM meta_etl_watermark
		 WHERE last_run_at IS NULL OR last_run_at < $1 OR status = $2
		 ORDER BY api_name`, cutoff, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list stale watermarks: %w", err)
	}
	return rows, nil
}
