package meta

import (
	"context"
	"fmt"
	"time"

	"github.com/marketlake/asharetl/internal/store"
)

// QualityEntry is one row of meta_quality_check_log.
type QualityEntry struct {
	ID        int64     `db:"id"`
	CheckDate int       `db:"check_date"`
	CheckName string    `db:"check_name"`
	Status    string    `db:"status"`
	Detail    string    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
}

// QualityLog persists quality assertion outcomes.
type QualityLog struct {
	mgr *store.Manager
}

// NewQualityLog creates the quality log repository.
func NewQualityLog(mgr *store.Manager) *QualityLog {
	return &QualityLog{mgr: mgr}
}

// Record appends one assertion outcome.
func (q *QualityLog) Record(ctx context.Context, checkDate int, checkName, status, detail string) error {
	ctx, cancel := context.WithTimeout(ctx, q.mgr.QueryTimeout())
	defer cancel()

	_, err := q.mgr.DB().ExecContext(ctx,
		`INSERT INTO meta_quality_check_log (check_date, check_name, status, detail, created_at)
		 VALUES ($1, $2, $3, $4, now())`, checkDate, checkName, status, detail)
	if err != nil {
		return fmt.Errorf("record quality check %s: %w", checkName, err)
	}
	return nil
}

// Recent lists the newest quality rows for the ops endpoint.
func (q *QualityLog) Recent(ctx context.Context, limit int) ([]QualityEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, q.mgr.QueryTimeout())
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	var rows []QualityEntry
	err := q.mgr.DB().SelectContext(ctx, &rows,
		`SELECT id, check_date, check_name, status, detail, created_at
		 FROM meta_quality_check_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list quality checks: %w", err)
	}
	return rows, nil
}
