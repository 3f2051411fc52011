package etl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketlake/asharetl/internal/calendar"
	"github.com/marketlake/asharetl/internal/config"
	"github.com/marketlake/asharetl/internal/errs"
	"github.com/marketlake/asharetl/internal/meta"
	"github.com/marketlake/asharetl/internal/metrics"
	"github.com/marketlake/asharetl/internal/upstream"
)

// One trading week plus the Monday/Tuesday after.
var testWeek = []int{20240108, 20240109, 20240110, 20240111, 20240115, 20240116}

type fakeCalSource struct{ dates []int }

func (f *fakeCalSource) TradingDates(context.Context, string, int) ([]int, error) {
	return append([]int(nil), f.dates...), nil
}

type fakeWatermarks struct {
	mu     sync.Mutex
	marks  map[string]int
	status map[string]string
}

func newFakeWatermarks() *fakeWatermarks {
	return &fakeWatermarks{marks: map[string]int{}, status: map[string]string{}}
}

func (f *fakeWatermarks) Read(_ context.Context, api string) (*meta.Watermark, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wm, ok := f.marks[api]
	if !ok {
		return nil, nil
	}
	return &meta.Watermark{APIName: api, WaterMark: wm}, nil
}

func (f *fakeWatermarks) Ensure(_ context.Context, api string, initial int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.marks[api]; !ok {
		f.marks[api] = initial
	}
	return nil
}

func (f *fakeWatermarks) Advance(_ context.Context, api string, newValue, todayCap int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if newValue > todayCap {
		return fmt.Errorf("refusing watermark %d past cap %d", newValue, todayCap)
	}
	if newValue <= f.marks[api] {
		return fmt.Errorf("non-monotonic watermark %d <= %d", newValue, f.marks[api])
	}
	f.marks[api] = newValue
	f.status[api] = meta.StatusSuccess
	return nil
}

func (f *fakeWatermarks) MarkRunning(_ context.Context, api string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[api] = meta.StatusRunning
	return nil
}

func (f *fakeWatermarks) MarkFailed(_ context.Context, api string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[api] = meta.StatusFailed
	return nil
}

func (f *fakeWatermarks) mark(api string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks[api]
}

type runRecord struct {
	api, runType, status string
	counts               meta.RunCounts
	errMsg               string
}

type fakeRunLog struct {
	mu   sync.Mutex
	next int64
	runs map[int64]*runRecord
}

func newFakeRunLog() *fakeRunLog { return &fakeRunLog{runs: map[int64]*runRecord{}} }

func (f *fakeRunLog) Open(_ context.Context, api, runType string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.runs[f.next] = &runRecord{api: api, runType: runType, status: meta.StatusRunning}
	return f.next, nil
}

func (f *fakeRunLog) Close(_ context.Context, runID int64, status string, counts meta.RunCounts, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return fmt.Errorf("unknown run %d", runID)
	}
	r.status, r.counts, r.errMsg = status, counts, errMsg
	return nil
}

func (f *fakeRunLog) last() *runRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[f.next]
}

func (f *fakeRunLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fakeGuard struct{ err error }

func (f *fakeGuard) Admit(context.Context, string, string, string) error { return f.err }

// fakeFetcher serves pages keyed by the trade_date request parameter and can
// fail selected dates.
type fakeFetcher struct {
	mu       sync.Mutex
	rowsFor  map[string]int // trade_date -> row count
	failFor  map[string]error
	fetched  []string
	inFlight int
	maxSeen  int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{rowsFor: map[string]int{}, failFor: map[string]error{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req upstream.Request) (*upstream.Page, error) {
	date := req.Params["trade_date"]

	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.fetched = append(f.fetched, date)
	f.mu.Unlock()

	// Let concurrent fetches overlap so ordering bugs surface.
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	err := f.failFor[date]
	rows := f.rowsFor[date]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, errs.Wrap(errs.KindCancelled, ctx.Err(), "fetch cancelled")
	}
	page := upstream.NewPage(req.Schema)
	for i := 0; i < rows; i++ {
		if err := page.AppendRow([]interface{}{int64(mustAtoi(date)), fmt.Sprintf("60000%d.SH", i), 10.5}); err != nil {
			return nil, err
		}
	}
	return page, nil
}

func mustAtoi(s string) int {
	var n int
	fmt.Sscanf(s, "%d", &n)
	return n
}

type upsertCall struct {
	table string
	date  int
	rows  int
}

type fakeWriter struct {
	mu      sync.Mutex
	calls   []upsertCall
	failAt  int // trade_date to fail on, 0 for never
	failErr error
}

func (f *fakeWriter) Upsert(_ context.Context, table string, page *upstream.Page, _ []string) (int, error) {
	date := 0
	if page.Rows() > 0 {
		if v, ok := page.Int("trade_date", 0); ok {
			date = int(v)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt != 0 && date == f.failAt {
		return 0, f.failErr
	}
	f.calls = append(f.calls, upsertCall{table: table, date: date, rows: page.Rows()})
	return page.Rows(), nil
}

func (f *fakeWriter) dates() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.calls))
	for _, c := range f.calls {
		if c.date != 0 {
			out = append(out, c.date)
		}
	}
	return out
}

func testSchema() upstream.Schema {
	return upstream.Schema{Fields: []upstream.Field{
		upstream.F("trade_date", upstream.TypeInt),
		upstream.F("ts_code", upstream.TypeString),
		upstream.F("close", upstream.TypeFloat),
	}}
}

type testEnv struct {
	rt      *Runtime
	runner  *Runner
	fetcher *fakeFetcher
	writer  *fakeWriter
	wms     *fakeWatermarks
	runLog  *fakeRunLog
	guard   *fakeGuard
}

// newTestEnv wires a runtime against in-memory fakes with the clock fixed to
// the given local time.
func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.StartDate = 20240108
	cfg.Batch.Concurrency = 3
	cfg.Batch.StageTimeoutMin = 0

	reg := NewRegistry()
	reg.MustRegister(Descriptor{
		Name:       "daily",
		Cursor:     CursorTradeDate,
		Table:      "ods_daily",
		PrimaryKey: []string{"trade_date", "ts_code"},
		LagHours:   1,
		Core:       true,
		Schema:     testSchema(),
		Params:     TradeDateParams,
	})
	reg.MustRegister(Descriptor{
		Name:       "stock_basic",
		Cursor:     CursorSnapshot,
		Table:      "dim_stock",
		PrimaryKey: []string{"ts_code"},
		Schema:     testSchema(),
		Params:     func(int) map[string]string { return map[string]string{"trade_date": "20240101"} },
	})

	env := &testEnv{
		fetcher: newFakeFetcher(),
		writer:  &fakeWriter{},
		wms:     newFakeWatermarks(),
		runLog:  newFakeRunLog(),
		guard:   &fakeGuard{},
	}

	clock := func() time.Time { return now }
	cal := calendar.New(&fakeCalSource{dates: testWeek}, "SSE",
		calendar.WithNow(clock), calendar.WithCloseHour(16))

	env.rt = &Runtime{
		Cfg:        cfg,
		Calendar:   cal,
		Registry:   reg,
		Fetcher:    env.fetcher,
		Writer:     env.writer,
		Watermarks: env.wms,
		RunLog:     env.runLog,
		Guard:      env.guard,
		Metrics:    metrics.New(),
		Now:        clock,
	}
	env.runner = NewRunner(env.rt)
	return env
}

func shanghai(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	return loc
}

func dailyStage() Stage {
	return Stage{Name: "ods_daily", Kind: KindIngest, API: "daily"}
}

func TestRunStageIncrementalCatchUp(t *testing.T) {
	// Thursday evening after close: cap is 20240111.
	now := time.Date(2024, 1, 11, 17, 0, 0, 0, shanghai(t))
	env := newTestEnv(t, now)
	env.wms.marks["daily"] = 20240108
	for _, d := range []string{"20240109", "20240110", "20240111"} {
		env.fetcher.rowsFor[d] = 2
	}

	res, err := env.runner.RunStage(context.Background(), dailyStage(), RangeOverride{})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 20240109, res.From)
	assert.Equal(t, 20240111, res.To)
	assert.Equal(t, 6, res.Rows)
	assert.Equal(t, 3, res.Counts.Requests)
	assert.Equal(t, 20240111, env.wms.mark("daily"))
	assert.Equal(t, []int{20240109, 20240110, 20240111}, env.writer.dates())

	last := env.runLog.last()
	require.NotNil(t, last)
	assert.Equal(t, meta.StatusSuccess, last.status)
	assert.Equal(t, "daily", last.api)
}

func TestRunStageCommitsAscendingUnderConcurrency(t *testing.T) {
	now := time.Date(2024, 1, 16, 18, 0, 0, 0, shanghai(t))
	env := newTestEnv(t, now)
	env.wms.marks["daily"] = 20240105
	for _, d := range []string{"20240108", "20240109", "20240110", "20240111", "20240115", "20240116"} {
		env.fetcher.rowsFor[d] = 1
	}

	res, err := env.runner.RunStage(context.Background(), dailyStage(), RangeOverride{})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, res.Status)
	// Writes land strictly ascending even though fetches overlap.
	assert.Equal(t, testWeek, env.writer.dates())
	assert.LessOrEqual(t, env.fetcher.maxSeen, 3)
	assert.Equal(t, 20240116, env.wms.mark("daily"))
}

func TestRunStageMidRangeFailureFreezesWatermark(t *testing.T) {
	now := time.Date(2024, 1, 11, 17, 0, 0, 0, shanghai(t))
	env := newTestEnv(t, now)
	env.wms.marks["daily"] = 20240108
	env.fetcher.rowsFor["20240109"] = 1
	env.fetcher.rowsFor["20240111"] = 1
	env.fetcher.failFor["20240110"] = errs.New(errs.KindTransientIO, "upstream 503")

	res, err := env.runner.RunStage(context.Background(), dailyStage(), RangeOverride{})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, errs.KindTransientIO, errs.KindOf(err))

	// Watermark froze at the last committed date.
	assert.Equal(t, 20240109, env.wms.mark("daily"))
	assert.Equal(t, meta.StatusFailed, env.wms.status["daily"])
	assert.Equal(t, meta.StatusFailed, env.runLog.last().status)
	assert.Equal(t, 1, env.runLog.last().counts.Failures)

	// Resume: the failed date recovers and the range picks up where it froze.
	env.fetcher.failFor = map[string]error{}
	env.fetcher.rowsFor["20240110"] = 1
	env.writer.calls = nil

	res, err = env.runner.RunStage(context.Background(), dailyStage(), RangeOverride{})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 20240110, res.From)
	assert.Equal(t, []int{20240110, 20240111}, env.writer.dates())
	assert.Equal(t, 20240111, env.wms.mark("daily"))
}

func TestRunStageClampsExplicitEndToCap(t *testing.T) {
	// Wednesday before close: today (20240110) is excluded, cap is 20240109.
	now := time.Date(2024, 1, 10, 11, 0, 0, 0, shanghai(t))
	env := newTestEnv(t, now)
	env.wms.marks["daily"] = 20240108
	env.fetcher.rowsFor["20240109"] = 1

	res, err := env.runner.RunStage(context.Background(), dailyStage(), RangeOverride{End: 20991231})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 20240109, res.To)
	assert.Equal(t, 20240109, env.wms.mark("daily"))
}

func TestRunStageNoOpWhenCaughtUp(t *testing.T) {
	now := time.Date(2024, 1, 11, 17, 0, 0, 0, shanghai(t))
	env := newTestEnv(t, now)
	env.wms.marks["daily"] = 20240111

	res, err := env.runner.RunStage(context.Background(), dailyStage(), RangeOverride{})
	require.NoError(t, err)

	assert.Equal(t, StatusNoOp, res.Status)
	// No run-log row for an empty range.
	assert.Equal(t, 0, env.runLog.count())
	assert.Empty(t, env.fetcher.fetched)
}

func TestRunStageSkippedWhenGuardSatisfied(t *testing.T) {
	now := time.Date(2024, 1, 11, 17, 0, 0, 0, shanghai(t))
	env := newTestEnv(t, now)
	env.wms.marks["daily"] = 20240108
	env.guard.err = meta.ErrAlreadySatisfied

	res, err := env.runner.RunStage(context.Background(), dailyStage(), RangeOverride{})
	require.NoError(t, err)

	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, 0, env.runLog.count())
	assert.Empty(t, env.fetcher.fetched)
}

func TestRunStageRefusedWhenRunLive(t *testing.T) {
	now := time.Date(2024, 1, 11, 17, 0, 0, 0, shanghai(t))
	env := newTestEnv(t, now)
	env.wms.marks["daily"] = 20240108
	env.guard.err = errs.New(errs.KindConcurrentRun, "run 42 still live")

	res, err := env.runner.RunStage(context.Background(), dailyStage(), RangeOverride{})
	require.Error(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, errs.KindConcurrentRun, errs.KindOf(err))
	// The refused invocation never touches the run log.
	assert.Equal(t, 0, env.runLog.count())
}

func TestRunStageDataNotReadyInsideLagWindow(t *testing.T) {
	// 16:30 on the cap day: inside daily's one-hour publication lag.
	now := time.Date(2024, 1, 11, 16, 30, 0, 0, shanghai(t))
	env := newTestEnv(t, now)
	env.wms.marks["daily"] = 20240110
	env.fetcher.rowsFor["20240111"] = 0

	_, err := env.runner.RunStage(context.Background(), dailyStage(), RangeOverride{})
	require.Error(t, err)

	var notReady *ErrDataNotReady
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, "daily", notReady.API)
	assert.Equal(t, 20240111, notReady.Date)
	assert.Equal(t, errs.KindPreconditionFailed, errs.KindOf(err))
	// Watermark stays behind so a later pipeline re-fetches the date.
	assert.Equal(t, 20240110, env.wms.mark("daily"))
}

func TestRunStageEmptyCapDateOutsideLagIsCommitted(t *testing.T) {
	// Well past the lag window: zero rows is a plain empty day, not an error.
	now := time.Date(2024, 1, 11, 20, 0, 0, 0, shanghai(t))
	env := newTestEnv(t, now)
	env.wms.marks["daily"] = 20240110
	env.fetcher.rowsFor["20240111"] = 0

	res, err := env.runner.RunStage(context.Background(), dailyStage(), RangeOverride{})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 20240111, env.wms.mark("daily"))
}

func TestRunStageSnapshotRefresh(t *testing.T) {
	now := time.Date(2024, 1, 11, 17, 0, 0, 0, shanghai(t))
	env := newTestEnv(t, now)
	env.wms.marks["stock_basic"] = 20240108
	env.fetcher.rowsFor["20240101"] = 5

	res, err := env.runner.RunStage(context.Background(),
		Stage{Name: "dim_stock", Kind: KindIngest, API: "stock_basic"}, RangeOverride{})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 5, res.Rows)
	// Snapshot refresh advances straight to the cap.
	assert.Equal(t, 20240111, env.wms.mark("stock_basic"))
}

func TestRunStageTransformAdvancesWatermark(t *testing.T) {
	now := time.Date(2024, 1, 11, 17, 0, 0, 0, shanghai(t))
	env := newTestEnv(t, now)
	env.wms.marks["dwd_daily"] = 20240109

	var got []int
	stage := Stage{
		Name: "dwd_daily", Kind: KindTransform, API: "dwd_daily",
		Fn: func(_ context.Context, _ *Runtime, dates []int) (meta.RunCounts, error) {
			got = append([]int(nil), dates...)
			return meta.RunCounts{Requests: 1}, nil
		},
	}

	res, err := env.runner.RunStage(context.Background(), stage, RangeOverride{})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, []int{20240110, 20240111}, got)
	assert.Equal(t, 20240111, env.wms.mark("dwd_daily"))
}

func TestRunStageLazyInitialWatermark(t *testing.T) {
	now := time.Date(2024, 1, 9, 17, 0, 0, 0, shanghai(t))
	env := newTestEnv(t, now)
	// No watermark row yet; StartDate is 20240108 so the first run covers it.
	env.fetcher.rowsFor["20240108"] = 1
	env.fetcher.rowsFor["20240109"] = 1

	res, err := env.runner.RunStage(context.Background(), dailyStage(), RangeOverride{})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 20240108, res.From)
	assert.Equal(t, 20240109, env.wms.mark("daily"))
}
