package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/marketlake/asharetl/internal/errs"
	"github.com/marketlake/asharetl/internal/metrics"
	"github.com/marketlake/asharetl/internal/upstream"
)

// DefaultBatchSize is the number of rows per upsert statement.
const DefaultBatchSize = 2000

// Writer performs idempotent page upserts keyed by a declared primary key.
//
// One page is one transaction; rows are chunked into multi-row statements of
// at most batchSize each. Any failure rolls back the whole page so callers
// never commit a partial page.
type Writer struct {
	mgr       *Manager
	batchSize int
	metrics   *metrics.Metrics
}

// NewWriter creates a writer over the shared store.
func NewWriter(mgr *Manager, batchSize int, m *metrics.Metrics) *Writer {
	if batchSize <= 0 || batchSize > 5000 {
		batchSize = DefaultBatchSize
	}
	return &Writer{mgr: mgr, batchSize: batchSize, metrics: m}
}

// Upsert writes the page into table with insert-or-replace semantics on the
// primary key columns, stamping updated_at with the transaction time. It
// returns the number of distinct primary keys in the page.
func (w *Writer) Upsert(ctx context.Context, table string, page *upstream.Page, pk []string) (int, error) {
	if page.Rows() == 0 {
		return 0, nil
	}
	cols := page.Schema().Names()
	if err := validatePK(cols, pk); err != nil {
		return 0, err
	}

	// Postgres refuses to touch the same row twice within one ON CONFLICT
	// statement, so duplicate PKs collapse to their last occurrence before
	// chunking (last-writer-wins).
	rows := dedupeByPK(page, pk)

	tx, err := w.mgr.DB().BeginTxx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.KindStoreWrite, err, "begin upsert tx for %s", table)
	}
	defer tx.Rollback()

	for start := 0; start < len(rows); start += w.batchSize {
		end := start + w.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		query, args := buildUpsert(table, cols, pk, page, rows[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, classifyWriteErr(err, table)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.KindStoreWrite, err, "commit upsert tx for %s", table)
	}

	written := len(rows)
	w.metrics.RowsUpserted.WithLabelValues(table).Add(float64(written))
	log.Debug().Str("table", table).Int("rows", page.Rows()).Int("pks", written).Msg("page upserted")
	return written, nil
}

func validatePK(cols, pk []string) error {
	if len(pk) == 0 {
		return fmt.Errorf("upsert requires a primary key declaration")
	}
	for _, k := range pk {
		found := false
		for _, c := range cols {
			if c == k {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("primary key column %q not present in page schema", k)
		}
	}
	return nil
}

// dedupeByPK returns the page row indices to write, keeping only the last
// occurrence of each primary key and preserving first-seen order otherwise.
func dedupeByPK(page *upstream.Page, pk []string) []int {
	last := make(map[string]int, page.Rows())
	order := make([]string, 0, page.Rows())
	var sb strings.Builder
	for i := 0; i < page.Rows(); i++ {
		sb.Reset()
		for _, k := range pk {
			fmt.Fprintf(&sb, "%v\x1f", page.Value(k, i))
		}
		key := sb.String()
		if _, seen := last[key]; !seen {
			order = append(order, key)
		}
		last[key] = i
	}
	out := make([]int, len(order))
	for i, key := range order {
		out[i] = last[key]
	}
	return out
}

// buildUpsert renders one multi-row INSERT ... ON CONFLICT statement for the
// given page row indices.
func buildUpsert(table string, cols, pk []string, page *upstream.Page, rows []int) (string, []interface{}) {
	nRows := len(rows)
	nCols := len(cols)

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(", updated_at) VALUES ")

	args := make([]interface{}, 0, nRows*nCols)
	for r, rowIdx := range rows {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := 0; c < nCols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", r*nCols+c+1)
			args = append(args, page.Value(cols[c], rowIdx))
		}
		sb.WriteString(", now())")
	}

	sb.WriteString(" ON CONFLICT (")
	sb.WriteString(strings.Join(pk, ", "))
	sb.WriteString(") DO UPDATE SET ")
	first := true
	for _, col := range cols {
		if isPKCol(col, pk) {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%s = EXCLUDED.%s", col, col)
	}
	if !first {
		sb.WriteString(", ")
	}
	sb.WriteString("updated_at = now()")

	return sb.String(), args
}

func isPKCol(col string, pk []string) bool {
	for _, k := range pk {
		if k == col {
			return true
		}
	}
	return false
}

// classifyWriteErr distinguishes the expected PK conflict (absorbed by ON
// CONFLICT, so any surfaced constraint violation is unexpected) from other
// store failures.
func classifyWriteErr(err error, table string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return errs.Wrap(errs.KindStoreWrite, err,
			"upsert into %s rejected (%s %s)", table, pqErr.Code, pqErr.Code.Name())
	}
	return errs.Wrap(errs.KindStoreWrite, err, "upsert into %s failed", table)
}
