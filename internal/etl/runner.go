package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketlake/asharetl/internal/errs"
	"github.com/marketlake/asharetl/internal/meta"
)

// Kind is the tagged variant of a stage.
type Kind int

const (
	KindIngest Kind = iota
	KindTransform
	KindCheck
)

func (k Kind) String() string {
	switch k {
	case KindIngest:
		return "ingest"
	case KindTransform:
		return "transform"
	case KindCheck:
		return "check"
	default:
		return "invalid"
	}
}

// StageFunc executes a transform or check stage over resolved trading dates.
type StageFunc func(ctx context.Context, rt *Runtime, dates []int) (meta.RunCounts, error)

// Stage is one logical unit of a pipeline.
type Stage struct {
	Name string
	Kind Kind
	// API is the watermark / run-log key. For ingest stages it must name a
	// registered descriptor.
	API string
	// DependsOn lists api names whose watermark must cover this stage's
	// range start before it may run (checked by the coordinator).
	DependsOn []string
	// Lenient stages fail soft: the coordinator downgrades their failure
	// to a warning.
	Lenient bool
	// Fn drives transform and check stages; ignored for ingest.
	Fn StageFunc
}

// RangeOverride narrows the stage's date range; zero values leave the
// watermark-derived bounds in place.
type RangeOverride struct {
	Start int
	End   int
}

// ResultStatus is the terminal disposition of one stage execution.
type ResultStatus int

const (
	StatusSucceeded ResultStatus = iota
	StatusNoOp                   // empty date range, nothing to do
	StatusSkipped                // guard hit: already satisfied
	StatusFailed
)

func (s ResultStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusNoOp:
		return "noop"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Result summarizes one stage execution.
type Result struct {
	Stage    string
	Status   ResultStatus
	From     int
	To       int
	Rows     int
	Counts   meta.RunCounts
	Duration time.Duration
}

// ErrDataNotReady marks a feature API whose "today" rows have not been
// published yet; the coordinator decides whether that is fatal.
type ErrDataNotReady struct {
	API  string
	Date int
}

func (e *ErrDataNotReady) Error() string {
	return fmt.Sprintf("upstream %s has no rows for %d yet (readiness lag)", e.API, e.Date)
}

func (e *ErrDataNotReady) Unwrap() error {
	return &errs.Error{Kind: errs.KindPreconditionFailed, Msg: e.Error()}
}

// Runner executes stages against a runtime.
type Runner struct {
	rt *Runtime
}

// NewRunner creates a stage runner.
func NewRunner(rt *Runtime) *Runner {
	return &Runner{rt: rt}
}

// RunStage executes one stage: resolves the effective date range, brackets
// the execution in the run log, dispatches on the stage kind, and maintains
// the watermark. The watermark only moves on success; the error text of a
// failure is persisted truncated.
func (r *Runner) RunStage(ctx context.Context, stage Stage, ov RangeOverride) (Result, error) {
	started := r.rt.now()
	res := Result{Stage: stage.Name}

	dates, todayCap, err := r.resolveRange(ctx, stage, ov)
	if err != nil {
		res.Status = StatusFailed
		return res, err
	}
	if len(dates) == 0 {
		res.Status = StatusNoOp
		log.Info().Str("stage", stage.Name).Msg("date range empty, nothing to do")
		return res, nil
	}
	res.From, res.To = dates[0], dates[len(dates)-1]

	// Single-flight: a live younger run refuses this invocation before any
	// run-log row is written.
	if err := r.rt.Guard.Admit(ctx, stage.API, "", ""); err != nil {
		if err == meta.ErrAlreadySatisfied {
			res.Status = StatusSkipped
			return res, nil
		}
		res.Status = StatusFailed
		return res, err
	}

	runID, err := r.rt.RunLog.Open(ctx, stage.API, stage.Kind.String())
	if err != nil {
		res.Status = StatusFailed
		return res, err
	}

	if stage.Kind != KindCheck {
		if err := r.rt.Watermarks.MarkRunning(ctx, stage.API); err != nil {
			res.Status = StatusFailed
			r.closeRun(runID, meta.StatusFailed, res.Counts, err)
			return res, err
		}
	}

	stageCtx := ctx
	var cancel context.CancelFunc
	if mins := r.rt.Cfg.Batch.StageTimeoutMin; mins > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, time.Duration(mins)*time.Minute)
		defer cancel()
	}

	switch stage.Kind {
	case KindIngest:
		err = r.runIngest(stageCtx, stage, dates, todayCap, &res)
	case KindTransform:
		err = r.runTransform(stageCtx, stage, dates, todayCap, &res)
	case KindCheck:
		res.Counts, err = stage.Fn(stageCtx, r.rt, dates)
	default:
		err = fmt.Errorf("stage %s has invalid kind", stage.Name)
	}

	res.Duration = r.rt.now().Sub(started)
	r.rt.Metrics.StageDuration.WithLabelValues(stage.Name).Observe(res.Duration.Seconds())

	if err != nil {
		res.Status = StatusFailed
		r.rt.Metrics.StageRuns.WithLabelValues(stage.Name, meta.StatusFailed).Inc()
		if stage.Kind != KindCheck {
			if wmErr := r.rt.Watermarks.MarkFailed(ctx, stage.API, err.Error()); wmErr != nil {
				log.Error().Err(wmErr).Str("api", stage.API).Msg("failed to mark watermark")
			}
		}
		r.closeRun(runID, meta.StatusFailed, res.Counts, err)
		return res, err
	}

	res.Status = StatusSucceeded
	r.rt.Metrics.StageRuns.WithLabelValues(stage.Name, meta.StatusSuccess).Inc()
	r.closeRun(runID, meta.StatusSuccess, res.Counts, nil)
	log.Info().Str("stage", stage.Name).Int("from", res.From).Int("to", res.To).
		Int("rows", res.Rows).Dur("took", res.Duration).Msg("stage succeeded")
	return res, nil
}

// closeRun closes the run log row with its own short deadline so a cancelled
// stage still records its terminal status.
func (r *Runner) closeRun(runID int64, status string, counts meta.RunCounts, cause error) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := r.rt.RunLog.Close(closeCtx, runID, status, counts, msg); err != nil {
		log.Error().Err(err).Int64("run_id", runID).Msg("failed to close run log")
	}
}

// resolveRange computes the stage's effective trading dates:
// [next trading day after the watermark, today-cap] intersected with any
// explicit override. Check stages default to the cap date only.
func (r *Runner) resolveRange(ctx context.Context, stage Stage, ov RangeOverride) ([]int, int, error) {
	cal := r.rt.Calendar
	todayCap, err := cal.TodayCap(ctx)
	if err != nil {
		return nil, 0, err
	}

	var from int
	if stage.Kind == KindCheck {
		from = todayCap
	} else {
		wm, err := r.rt.Watermarks.Read(ctx, stage.API)
		if err != nil {
			return nil, 0, err
		}
		if wm == nil {
			initial := r.initialWatermark(ctx)
			if err := r.rt.Watermarks.Ensure(ctx, stage.API, initial); err != nil {
				return nil, 0, err
			}
			wm = &meta.Watermark{APIName: stage.API, WaterMark: initial}
		}
		from, err = cal.NextTradingDay(ctx, wm.WaterMark)
		if err != nil {
			// Watermark already at the horizon: nothing newer to do.
			return nil, todayCap, nil
		}
	}

	to := todayCap
	if ov.Start > from {
		from = ov.Start
	}
	// An explicit end never bypasses the cap: future dates are clamped.
	if ov.End > 0 && ov.End < to {
		to = ov.End
	}

	dates, err := cal.TradingDaysBetween(ctx, from, to)
	if err != nil {
		return nil, 0, err
	}
	return dates, todayCap, nil
}

// initialWatermark is the lazy first value: one trading day before the
// configured start date (plain predecessor when the calendar starts there).
func (r *Runner) initialWatermark(ctx context.Context) int {
	if prev, err := r.rt.Calendar.PrevTradingDay(ctx, r.rt.Cfg.StartDate); err == nil {
		return prev
	}
	return r.rt.Cfg.StartDate - 1
}

// runTransform executes the stage function and advances the watermark to the
// end of the processed range.
func (r *Runner) runTransform(ctx context.Context, stage Stage, dates []int, todayCap int, res *Result) error {
	counts, err := stage.Fn(ctx, r.rt, dates)
	res.Counts = counts
	if err != nil {
		return err
	}
	return r.rt.Watermarks.Advance(ctx, stage.API, dates[len(dates)-1], todayCap)
}
