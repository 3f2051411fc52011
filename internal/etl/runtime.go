package etl

import (
	"context"
	"time"

	"github.com/marketlake/asharetl/internal/calendar"
	"github.com/marketlake/asharetl/internal/config"
	"github.com/marketlake/asharetl/internal/meta"
	"github.com/marketlake/asharetl/internal/metrics"
	"github.com/marketlake/asharetl/internal/upstream"
)

// Fetcher issues one logical upstream fetch. Satisfied by *upstream.Client.
type Fetcher interface {
	Fetch(ctx context.Context, req upstream.Request) (*upstream.Page, error)
}

// PageWriter upserts one page. Satisfied by *store.Writer.
type PageWriter interface {
	Upsert(ctx context.Context, table string, page *upstream.Page, pk []string) (int, error)
}

// WatermarkStore is the per-API cursor persistence. Satisfied by
// *meta.Watermarks.
type WatermarkStore interface {
	Read(ctx context.Context, apiName string) (*meta.Watermark, error)
	Ensure(ctx context.Context, apiName string, initial int) error
	Advance(ctx context.Context, apiName string, newValue, todayCap int) error
	MarkRunning(ctx context.Context, apiName string) error
	MarkFailed(ctx context.Context, apiName string, cause string) error
}

// RunJournal brackets stage executions. Satisfied by *meta.RunLog.
type RunJournal interface {
	Open(ctx context.Context, apiName, runType string) (int64, error)
	Close(ctx context.Context, runID int64, status string, counts meta.RunCounts, errMsg string) error
}

// Admitter is the single-flight / idempotency gate. Satisfied by *meta.Guard.
type Admitter interface {
	Admit(ctx context.Context, apiName, task, idempotencyKey string) error
}

// QualityRecorder persists quality assertion outcomes. Satisfied by
// *meta.QualityLog.
type QualityRecorder interface {
	Record(ctx context.Context, checkDate int, checkName, status, detail string) error
}

// Runtime is the explicit context threaded through all stage executions.
// Everything process-global lives here; packages hold no singletons.
type Runtime struct {
	Cfg        config.Config
	Calendar   *calendar.Calendar
	Registry   *Registry
	Fetcher    Fetcher
	Writer     PageWriter
	Watermarks WatermarkStore
	RunLog     RunJournal
	Guard      Admitter
	Quality    QualityRecorder
	Metrics    *metrics.Metrics
	// SQL transform hook: executes one statement batch against the store.
	// Satisfied by store-backed transforms; faked in tests.
	Exec func(ctx context.Context, query string, args ...interface{}) (int64, error)
	// Now is the wall clock, overridable in tests.
	Now func() time.Time
}

func (rt *Runtime) now() time.Time {
	if rt.Now != nil {
		return rt.Now()
	}
	return time.Now()
}
