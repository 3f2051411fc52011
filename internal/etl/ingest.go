package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketlake/asharetl/internal/errs"
	"github.com/marketlake/asharetl/internal/upstream"
)

// runIngest drives one ingest stage. Snapshot APIs refresh in a single
// fetch; cursor APIs walk the dates strictly ascending with a bounded
// prefetch pool, committing and advancing the watermark per date so a
// failure on date D freezes the cursor at D-1.
func (r *Runner) runIngest(ctx context.Context, stage Stage, dates []int, todayCap int, res *Result) error {
	desc, ok := r.rt.Registry.Get(stage.API)
	if !ok {
		return fmt.Errorf("ingest stage %s: no descriptor registered for api %q", stage.Name, stage.API)
	}

	if desc.Cursor == CursorSnapshot {
		return r.ingestSnapshot(ctx, desc, dates, todayCap, res)
	}
	return r.ingestByDate(ctx, desc, dates, todayCap, res)
}

func (r *Runner) ingestSnapshot(ctx context.Context, desc Descriptor, dates []int, todayCap int, res *Result) error {
	res.Counts.Requests++
	page, err := r.rt.Fetcher.Fetch(ctx, upstream.Request{
		API:      desc.Endpoint,
		Bucket:   desc.Bucket,
		Params:   desc.Params(0),
		Schema:   desc.Schema,
		PageSize: desc.PageSize,
	})
	if err != nil {
		res.Counts.Failures++
		return err
	}
	rows, err := r.rt.Writer.Upsert(ctx, desc.Table, page, desc.PrimaryKey)
	if err != nil {
		return err
	}
	res.Rows += rows
	return r.rt.Watermarks.Advance(ctx, desc.Name, dates[len(dates)-1], todayCap)
}

type fetchResult struct {
	page *upstream.Page
	err  error
}

func (r *Runner) ingestByDate(ctx context.Context, desc Descriptor, dates []int, todayCap int, res *Result) error {
	concurrency := r.rt.Cfg.Batch.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	// Prefetch pool: at most `concurrency` in-flight fetches, each result
	// parked in its date's slot. The write loop below consumes the slots
	// strictly in date order, so commits and watermark advances stay
	// ascending no matter how fetches interleave.
	slots := make([]chan fetchResult, len(dates))
	sem := make(chan struct{}, concurrency)
	for i, date := range dates {
		slots[i] = make(chan fetchResult, 1)
		go func(i, date int) {
			select {
			case sem <- struct{}{}:
			case <-fetchCtx.Done():
				slots[i] <- fetchResult{err: errs.Wrap(errs.KindCancelled, fetchCtx.Err(), "fetch %s %d", desc.Name, date)}
				return
			}
			defer func() { <-sem }()

			page, err := r.rt.Fetcher.Fetch(fetchCtx, upstream.Request{
				API:      desc.Endpoint,
				Bucket:   desc.Bucket,
				Params:   desc.Params(date),
				Schema:   desc.Schema,
				PageSize: desc.PageSize,
			})
			slots[i] <- fetchResult{page: page, err: err}
		}(i, date)
	}

	for i, date := range dates {
		fr := <-slots[i]
		res.Counts.Requests++
		if fr.err != nil {
			res.Counts.Failures++
			return fmt.Errorf("ingest %s at %d: %w", desc.Name, date, fr.err)
		}

		if fr.page.Rows() == 0 && date == todayCap && r.withinReadinessLag(desc, date) {
			// Vendor has not published today's rows yet. Leave the
			// watermark behind so a later pipeline re-fetches this date.
			log.Warn().Str("api", desc.Name).Int("date", date).
				Int("lag_hours", desc.LagHours).Msg("today's rows not published yet")
			return &ErrDataNotReady{API: desc.Name, Date: date}
		}

		rows, err := r.rt.Writer.Upsert(ctx, desc.Table, fr.page, desc.PrimaryKey)
		if err != nil {
			res.Counts.Failures++
			return fmt.Errorf("ingest %s at %d: %w", desc.Name, date, err)
		}
		res.Rows += rows

		if err := r.rt.Watermarks.Advance(ctx, desc.Name, date, todayCap); err != nil {
			return err
		}
	}
	return nil
}

// withinReadinessLag reports whether the vendor is still inside its declared
// publication lag for the given trade date.
func (r *Runner) withinReadinessLag(desc Descriptor, date int) bool {
	if desc.LagHours <= 0 {
		return false
	}
	closeAt := time.Date(date/10000, time.Month(date/100%100), date%100,
		r.rt.Cfg.MarketCloseHour, 0, 0, 0, r.rt.now().Location())
	elapsed := r.rt.now().Sub(closeAt)
	return elapsed < time.Duration(desc.LagHours)*time.Hour
}
