// asharetl is the operational entry point of the A-share warehouse ETL:
// pipeline runs, freshness checks, the retry-guard wrapper, and the read-only
// ops endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/marketlake/asharetl/internal/calendar"
	"github.com/marketlake/asharetl/internal/config"
	"github.com/marketlake/asharetl/internal/etl"
	"github.com/marketlake/asharetl/internal/meta"
	"github.com/marketlake/asharetl/internal/metrics"
	"github.com/marketlake/asharetl/internal/ratelimit"
	"github.com/marketlake/asharetl/internal/store"
	"github.com/marketlake/asharetl/internal/upstream"
)

// Exit codes of the CLI surface.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfigError = 2
	exitSkipped     = 3
)

var configPath string

// exitError carries a specific process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

var rootCmd = &cobra.Command{
	Use:           "asharetl",
	Short:         "A-share daily warehouse ETL engine",
	Long:          "Watermark-driven incremental ETL for the A-share daily warehouse (ods -> dwd -> dws -> ads).",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(guardCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				log.Error().Err(ee.err).Msg("command failed")
			}
			os.Exit(ee.code)
		}
		log.Error().Err(err).Msg("command failed")
		os.Exit(exitFailure)
	}
}

// setupLogging picks console output on a TTY, JSON otherwise.
func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if os.Getenv("ASHARETL_DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadConfig wraps config errors with the dedicated exit code.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, &exitError{code: exitConfigError, err: err}
	}
	return cfg, nil
}

// app bundles the wired engine for one command invocation.
type app struct {
	cfg     config.Config
	mgr     *store.Manager
	rt      *etl.Runtime
	runLog  *meta.RunLog
	wms     *meta.Watermarks
	guard   *meta.RetryGuard
	quality *meta.QualityLog
	metrics *metrics.Metrics
}

// buildApp connects the store and assembles the runtime context.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	mgr, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}

	m := metrics.New()
	limiter := ratelimit.New(cfg.RateLimit)
	client := upstream.NewClient(upstream.ClientConfig{
		BaseURL:        cfg.Upstream.BaseURL,
		Token:          cfg.Upstream.Token,
		RetryTimes:     cfg.Batch.RetryTimes,
		RetryBase:      time.Duration(cfg.Batch.RetryDelaySec) * time.Second,
		AttemptTimeout: time.Duration(cfg.Batch.TimeoutSec) * time.Second,
	}, limiter, m)

	runLog := meta.NewRunLog(mgr)
	retryGuard := meta.NewRetryGuard(mgr)
	wms := meta.NewWatermarks(mgr)
	qlog := meta.NewQualityLog(mgr)
	writer := store.NewWriter(mgr, cfg.Batch.UpsertBatchSize, m)
	cal := calendar.New(store.NewCalendarSource(mgr), cfg.Exchange,
		calendar.WithCloseHour(cfg.MarketCloseHour))

	rt := &etl.Runtime{
		Cfg:        cfg,
		Calendar:   cal,
		Registry:   etl.BuiltinRegistry(),
		Fetcher:    client,
		Writer:     writer,
		Watermarks: wms,
		RunLog:     runLog,
		Guard:      meta.NewGuard(runLog, retryGuard, cfg.Guard.ZombieThreshold),
		Quality:    qlog,
		Metrics:    m,
		Exec: func(ctx context.Context, query string, args ...interface{}) (int64, error) {
			res, err := mgr.DB().ExecContext(ctx, query, args...)
			if err != nil {
				return 0, err
			}
			return res.RowsAffected()
		},
	}

	return &app{
		cfg: cfg, mgr: mgr, rt: rt,
		runLog: runLog, wms: wms, guard: retryGuard, quality: qlog, metrics: m,
	}, nil
}

func (a *app) close() {
	if err := a.mgr.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close store")
	}
}
