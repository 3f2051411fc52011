// Package quality runs data assertions against the warehouse and records the
// outcomes in meta_quality_check_log. The checker never fails a pipeline
// itself; it reports severities and the coordinator decides.
package quality

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/marketlake/asharetl/internal/metrics"
	"github.com/marketlake/asharetl/internal/store"
)

// Severity grades an assertion failure.
type Severity string

const (
	SeverityHigh Severity = "HIGH"
	SeverityWarn Severity = "WARN"
)

// Quality log row status for recorded failures.
const statusFailed = "FAILED"

// Result is the outcome of one assertion.
type Result struct {
	Name     string
	Date     int
	Severity Severity
	Passed   bool
	Detail   string
}

// Recorder persists assertion outcomes. Satisfied by *meta.QualityLog.
type Recorder interface {
	Record(ctx context.Context, checkDate int, checkName, status, detail string) error
}

// Assertion evaluates one rule against the store for one check date.
type Assertion struct {
	Name     string
	Severity Severity
	Eval     func(ctx context.Context, mgr *store.Manager, date int) (passed bool, detail string, err error)
}

// Checker evaluates assertion suites.
type Checker struct {
	mgr     *store.Manager
	rec     Recorder
	metrics *metrics.Metrics
}

// NewChecker creates a checker over the store.
func NewChecker(mgr *store.Manager, rec Recorder, m *metrics.Metrics) *Checker {
	return &Checker{mgr: mgr, rec: rec, metrics: m}
}

// Run evaluates the suite for one date. Failed assertions are written to the
// quality log; a store error while evaluating aborts the whole run.
func (c *Checker) Run(ctx context.Context, date int, suite []Assertion) ([]Result, error) {
	results := make([]Result, 0, len(suite))
	for _, a := range suite {
		passed, detail, err := a.Eval(ctx, c.mgr, date)
		if err != nil {
			return results, fmt.Errorf("quality check %s at %d: %w", a.Name, date, err)
		}
		res := Result{Name: a.Name, Date: date, Severity: a.Severity, Passed: passed, Detail: detail}
		results = append(results, res)

		if passed {
			continue
		}
		log.Warn().Str("check", a.Name).Int("date", date).Str("severity", string(a.Severity)).
			Str("detail", detail).Msg("quality assertion failed")
		if c.metrics != nil {
			c.metrics.QualityFailures.WithLabelValues(a.Name).Inc()
		}
		if err := c.rec.Record(ctx, date, a.Name, statusFailed, detail); err != nil {
			return results, err
		}
	}
	return results, nil
}

// HasHigh reports whether any failed result carries HIGH severity.
func HasHigh(results []Result) bool {
	for _, r := range results {
		if !r.Passed && r.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RowCountFloor asserts the table holds at least floor rows for the date.
func RowCountFloor(table string, floor int, sev Severity) Assertion {
	return Assertion{
		Name:     fmt.Sprintf("row_count:%s", table),
		Severity: sev,
		Eval: func(ctx context.Context, mgr *store.Manager, date int) (bool, string, error) {
			var n int
			q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE trade_date = $1`, table)
			if err := mgr.DB().GetContext(ctx, &n, q, date); err != nil {
				return false, "", err
			}
			if n < floor {
				return false, fmt.Sprintf("%s has %d rows for %d, floor %d", table, n, date, floor), nil
			}
			return true, fmt.Sprintf("%d rows", n), nil
		},
	}
}

// NullRatioCeiling asserts the column's null ratio for the date stays at or
// below the ceiling.
func NullRatioCeiling(table, column string, ceiling float64, sev Severity) Assertion {
	return Assertion{
		Name:     fmt.Sprintf("null_ratio:%s.%s", table, column),
		Severity: sev,
		Eval: func(ctx context.Context, mgr *store.Manager, date int) (bool, string, error) {
			var ratio float64
			q := fmt.Sprintf(
				`SELECT COALESCE(SUM(CASE WHEN %s IS NULL THEN 1 ELSE 0 END)::float
				        / GREATEST(COUNT(*), 1), 0)
				 FROM %s WHERE trade_date = $1`, column, table)
			if err := mgr.DB().GetContext(ctx, &ratio, q, date); err != nil {
				return false, "", err
			}
			if ratio > ceiling {
				return false, fmt.Sprintf("%s.%s null ratio %.4f exceeds %.4f", table, column, ratio, ceiling), nil
			}
			return true, fmt.Sprintf("null ratio %.4f", ratio), nil
		},
	}
}

// MaxDateAtLeast asserts the table's greatest trade_date has reached the
// check date.
func MaxDateAtLeast(table string, sev Severity) Assertion {
	return Assertion{
		Name:     fmt.Sprintf("max_date:%s", table),
		Severity: sev,
		Eval: func(ctx context.Context, mgr *store.Manager, date int) (bool, string, error) {
			var max int
			q := fmt.Sprintf(`SELECT COALESCE(MAX(trade_date), 0) FROM %s`, table)
			if err := mgr.DB().GetContext(ctx, &max, q); err != nil {
				return false, "", err
			}
			if max < date {
				return false, fmt.Sprintf("%s max trade_date %d behind %d", table, max, date), nil
			}
			return true, fmt.Sprintf("max trade_date %d", max), nil
		},
	}
}

// JoinCoverage asserts that at least threshold of the fact table's codes for
// the date resolve against the dimension table.
func JoinCoverage(factTable, dimTable string, threshold float64, sev Severity) Assertion {
	return Assertion{
		Name:     fmt.Sprintf("join_coverage:%s->%s", factTable, dimTable),
		Severity: sev,
		Eval: func(ctx context.Context, mgr *store.Manager, date int) (bool, string, error) {
			var ratio float64
			q := fmt.Sprintf(
				`SELECT COALESCE(SUM(CASE WHEN d.ts_code IS NOT NULL THEN 1 ELSE 0 END)::float
				        / GREATEST(COUNT(*), 1), 1)
				 FROM %s f LEFT JOIN %s d ON d.ts_code = f.ts_code
				 WHERE f.trade_date = $1`, factTable, dimTable)
			if err := mgr.DB().GetContext(ctx, &ratio, q, date); err != nil {
				return false, "", err
			}
			if ratio < threshold {
				return false, fmt.Sprintf("%s covers %.4f of %s for %d, threshold %.4f",
					dimTable, ratio, factTable, date, threshold), nil
			}
			return true, fmt.Sprintf("coverage %.4f", ratio), nil
		},
	}
}

// CoreSuite is the standard post-ingest assertion set for one trading day.
// A-share listings hover around five thousand, so the floors are set well
// below a full session but far above a truncated page.
func CoreSuite() []Assertion {
	return []Assertion{
		RowCountFloor("ods_daily", 3000, SeverityHigh),
		RowCountFloor("ods_daily_basic", 3000, SeverityHigh),
		RowCountFloor("ods_adj_factor", 3000, SeverityHigh),
		NullRatioCeiling("ods_daily", "close", 0.01, SeverityHigh),
		NullRatioCeiling("ods_daily_basic", "total_mv", 0.05, SeverityWarn),
		MaxDateAtLeast("ods_daily", SeverityHigh),
		JoinCoverage("ods_daily", "dim_stock", 0.98, SeverityWarn),
	}
}

// TransformSuite validates the derived layers after the transforms ran.
func TransformSuite() []Assertion {
	return []Assertion{
		RowCountFloor("dwd_daily", 3000, SeverityHigh),
		MaxDateAtLeast("dwd_daily", SeverityHigh),
		RowCountFloor("dws_stock_features", 3000, SeverityWarn),
		RowCountFloor("ads_stock_score", 1000, SeverityWarn),
	}
}
