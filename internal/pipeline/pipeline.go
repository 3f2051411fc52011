// Package pipeline sequences stages and applies the strict/lenient failure
// policy. The coordinator is the only place that downgrades failures;
// everything below it reports errors faithfully.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketlake/asharetl/internal/errs"
	"github.com/marketlake/asharetl/internal/etl"
	"github.com/marketlake/asharetl/internal/notify"
)

// Pipeline is an ordered stage list with a name used for config overrides and
// the summary event.
type Pipeline struct {
	Name   string
	Stages []etl.Stage
}

// Validate rejects malformed pipelines at definition time: duplicate stage
// names and dependency cycles among the pipeline's own APIs.
func (p Pipeline) Validate() error {
	names := make(map[string]bool, len(p.Stages))
	apiStage := make(map[string]etl.Stage, len(p.Stages))
	for _, s := range p.Stages {
		if names[s.Name] {
			return fmt.Errorf("pipeline %s: duplicate stage name %q", p.Name, s.Name)
		}
		names[s.Name] = true
		if s.API != "" {
			apiStage[s.API] = s
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(apiStage))
	var visit func(api string) error
	visit = func(api string) error {
		switch color[api] {
		case grey:
			return fmt.Errorf("pipeline %s: dependency cycle through %q", p.Name, api)
		case black:
			return nil
		}
		color[api] = grey
		for _, dep := range apiStage[api].DependsOn {
			if _, inPipeline := apiStage[dep]; !inPipeline {
				continue // external dependency, readiness-checked at run time
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[api] = black
		return nil
	}
	for api := range apiStage {
		if err := visit(api); err != nil {
			return err
		}
	}
	return nil
}

// Coordinator runs pipelines against a runtime.
type Coordinator struct {
	rt       *etl.Runtime
	runner   *etl.Runner
	notifier notify.Notifier
}

// NewCoordinator creates a coordinator.
func NewCoordinator(rt *etl.Runtime, notifier notify.Notifier) *Coordinator {
	return &Coordinator{rt: rt, runner: etl.NewRunner(rt), notifier: notifier}
}

// Run executes the pipeline stages in order and publishes one terminal
// summary. The returned error is non-nil only when a strict stage aborted the
// pipeline; lenient failures surface as summary warnings.
func (c *Coordinator) Run(ctx context.Context, p Pipeline, ov etl.RangeOverride, lenient bool) (notify.Summary, error) {
	summary := notify.Summary{
		Pipeline:  p.Name,
		StartedAt: c.now(),
	}

	if err := p.Validate(); err != nil {
		summary.Status = "failed"
		summary.FinishedAt = c.now()
		return summary, err
	}

	if cfgLenient, ok := c.rt.Cfg.LenientFor(p.Name); ok {
		lenient = lenient || cfgLenient
	}
	summary.Lenient = lenient

	// APIs that failed or were skipped in this run; stages depending on them
	// are not ready no matter what their watermark says.
	unready := make(map[string]string)
	var abort error

	for _, stage := range p.Stages {
		stageLenient := lenient || stage.Lenient

		if blockedBy, reason, err := c.readiness(ctx, stage, ov, unready); err != nil {
			abort = err
			break
		} else if blockedBy != "" {
			if !stageLenient {
				abort = errs.New(errs.KindPreconditionFailed,
					"stage %s blocked: %s", stage.Name, reason)
				summary.Stages = append(summary.Stages,
					notify.StageSummary{Name: stage.Name, Status: "blocked", Error: reason})
				break
			}
			log.Warn().Str("stage", stage.Name).Str("blocked_by", blockedBy).
				Str("reason", reason).Msg("stage skipped, dependency not ready")
			unready[stage.API] = reason
			summary.Stages = append(summary.Stages,
				notify.StageSummary{Name: stage.Name, Status: "skipped", Error: reason})
			summary.Warnings = append(summary.Warnings,
				fmt.Sprintf("%s skipped: %s", stage.Name, reason))
			continue
		}

		res, err := c.runner.RunStage(ctx, stage, ov)
		ss := notify.StageSummary{
			Name:       stage.Name,
			Status:     res.Status.String(),
			From:       res.From,
			To:         res.To,
			Rows:       res.Rows,
			DurationMs: res.Duration.Milliseconds(),
		}
		if err == nil {
			summary.Stages = append(summary.Stages, ss)
			continue
		}
		ss.Error = err.Error()
		summary.Stages = append(summary.Stages, ss)

		kind := errs.KindOf(err)
		if kind == errs.KindConcurrentRun || kind == errs.KindCancelled {
			// Never downgraded: another invoker owns the api, or we are
			// shutting down.
			abort = err
			break
		}
		if !stageLenient {
			abort = err
			break
		}

		unready[stage.API] = err.Error()
		warning := fmt.Sprintf("%s failed (lenient): %v", stage.Name, err)
		var notReady *etl.ErrDataNotReady
		if errors.As(err, &notReady) {
			warning = fmt.Sprintf("%s: %s not published yet for %d, will catch up later",
				stage.Name, notReady.API, notReady.Date)
		}
		log.Warn().Str("stage", stage.Name).Err(err).Msg("lenient stage failure, pipeline continues")
		summary.Warnings = append(summary.Warnings, warning)
	}

	summary.FinishedAt = c.now()
	switch {
	case abort != nil:
		summary.Status = "failed"
	case len(summary.Warnings) > 0:
		summary.Status = "partial"
	default:
		summary.Status = "succeeded"
	}

	if err := c.notifier.Publish(ctx, summary); err != nil {
		log.Error().Err(err).Str("pipeline", p.Name).Msg("failed to publish pipeline summary")
	}
	return summary, abort
}

// readiness verifies the stage's declared inputs: a dependency that failed
// earlier in this run, or whose watermark has not reached the stage's range
// start, blocks the stage. Returns the blocking api and a reason, or empty
// when the stage may run.
func (c *Coordinator) readiness(ctx context.Context, stage etl.Stage, ov etl.RangeOverride, unready map[string]string) (string, string, error) {
	if len(stage.DependsOn) == 0 {
		return "", "", nil
	}

	from, err := c.rangeStart(ctx, stage, ov)
	if err != nil {
		return "", "", err
	}

	for _, dep := range stage.DependsOn {
		if reason, bad := unready[dep]; bad {
			return dep, fmt.Sprintf("dependency %s did not complete: %s", dep, reason), nil
		}
		if from == 0 {
			continue // stage has nothing to do, dependency state is moot
		}
		wm, err := c.rt.Watermarks.Read(ctx, dep)
		if err != nil {
			return "", "", err
		}
		if wm == nil || wm.WaterMark < from {
			have := 0
			if wm != nil {
				have = wm.WaterMark
			}
			return dep, fmt.Sprintf("dependency %s watermark %d behind range start %d", dep, have, from), nil
		}
	}
	return "", "", nil
}

// rangeStart resolves the first date the stage would process, or 0 when it is
// already caught up.
func (c *Coordinator) rangeStart(ctx context.Context, stage etl.Stage, ov etl.RangeOverride) (int, error) {
	if stage.Kind == etl.KindCheck {
		return c.rt.Calendar.TodayCap(ctx)
	}
	wm, err := c.rt.Watermarks.Read(ctx, stage.API)
	if err != nil {
		return 0, err
	}
	start := c.rt.Cfg.StartDate
	if wm != nil {
		next, err := c.rt.Calendar.NextTradingDay(ctx, wm.WaterMark)
		if err != nil {
			return 0, nil // at the horizon, nothing to do
		}
		start = next
	}
	if ov.Start > start {
		start = ov.Start
	}
	capDate, err := c.rt.Calendar.TodayCap(ctx)
	if err != nil {
		return 0, err
	}
	if start > capDate {
		return 0, nil
	}
	return start, nil
}

func (c *Coordinator) now() time.Time {
	if c.rt.Now != nil {
		return c.rt.Now()
	}
	return time.Now()
}
