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

// ErrAlreadySatisfied reports an idempotency-guard hit: a prior run with the
// same key finished successfully, so this invocation is a no-op.
var ErrAlreadySatisfied = errors.New("task already satisfied by a previous successful run")

// GuardEntry is one row of meta_retry_guard.
type GuardEntry struct {
	ID             int64          `db:"id"`
	TaskName       string         `db:"task_name"`
	IdempotencyKey string         `db:"idempotency_key"`
	Status         string         `db:"status"`
	Attempt        int            `db:"attempt"`
	StartedAt      time.Time      `db:"started_at"`
	FinishedAt     sql.NullTime   `db:"finished_at"`
	TimeoutSec     int            `db:"timeout_sec"`
	ErrMsg         sql.NullString `db:"err_msg"`
}

// RetryGuard persists the idempotency rows that suppress duplicate task
// invocations. Rows are never deleted here; garbage collection is a
// collaborator concern.
type RetryGuard struct {
	mgr *store.Manager
}

// NewRetryGuard creates the retry-guard repository.
func NewRetryGuard(mgr *store.Manager) *RetryGuard {
	return &RetryGuard{mgr: mgr}
}

// Lookup returns the guard row for a key, or nil.
func (g *RetryGuard) Lookup(ctx context.Context, task, key string) (*GuardEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, g.mgr.QueryTimeout())
	defer cancel()

	var row GuardEntry
	err := g.mgr.DB().GetContext(ctx, &row,
		`SELECT id, task_name, idempotency_key, status, attempt, started_at, finished_at, timeout_sec, err_msg
		 FROM meta_retry_guard WHERE task_name = $1 AND idempotency_key = $2`, task, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup retry guard %s/%s: %w", task, key, err)
	}
	return &row, nil
}

// Begin records an attempt: the row is created on first use, or its attempt
// counter bumped and status reset to RUNNING on a retry.
func (g *RetryGuard) Begin(ctx context.Context, task, key string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, g.mgr.QueryTimeout())
	defer cancel()

	_, err := g.mgr.DB().ExecContext(ctx,
		`INSERT INTO meta_retry_guard
		   (task_name, idempotency_key, status, attempt, started_at, timeout_sec)
		 VALUES ($1, $2, $3, 1, now(), $4)
		 ON CONFLICT (task_name, idempotency_key) DO UPDATE
		 SET status = $3, attempt = meta_retry_guard.attempt + 1, started_at = now(), timeout_sec = $4`,
		task, key, StatusRunning, int(timeout.Seconds()))
	if err != nil {
		return fmt.Errorf("begin retry guard %s/%s: %w", task, key, err)
	}
	return nil
}

// Finish sets the terminal status of the guard row.
func (g *RetryGuard) Finish(ctx context.Context, task, key, status, errMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, g.mgr.QueryTimeout())
	defer cancel()

	var msgVal interface{}
	if errMsg != "" {
		msgVal = errs.Truncate(errMsg, 1000)
	}
	_, err := g.mgr.DB().ExecContext(ctx,
		`UPDATE meta_retry_guard
		 SET status = $1, finished_at = now(), err_msg = $2
		 WHERE task_name = $3 AND idempotency_key = $4`, status, msgVal, task, key)
	if err != nil {
		return fmt.Errorf("finish retry guard %s/%s: %w", task, key, err)
	}
	return nil
}

// Guard enforces at-most-one in-flight execution per api and suppresses
// replays of already-satisfied tasks.
type Guard struct {
	runLog          *RunLog
	retryGuard      *RetryGuard
	zombieThreshold time.Duration
}

// NewGuard wires the guard over the two bookkeeping repositories.
func NewGuard(runLog *RunLog, retryGuard *RetryGuard, zombieThreshold time.Duration) *Guard {
	if zombieThreshold <= 0 {
		zombieThreshold = 2 * time.Hour
	}
	return &Guard{runLog: runLog, retryGuard: retryGuard, zombieThreshold: zombieThreshold}
}

// Admit decides whether a new run of apiName may open. The idempotency key
// is optional; when set and already SUCCESS, ErrAlreadySatisfied is returned.
// Stale RUNNING rows are reclaimed first; a live younger one rejects the
// invocation with a ConcurrentRun error, without touching the run log.
func (g *Guard) Admit(ctx context.Context, apiName, task, idempotencyKey string) error {
	if task != "" && idempotencyKey != "" {
		entry, err := g.retryGuard.Lookup(ctx, task, idempotencyKey)
		if err != nil {
			return err
		}
		if entry != nil && entry.Status == StatusSuccess {
			log.Info().Str("task", task).Str("key", idempotencyKey).
				Msg("idempotency guard hit, skipping")
			return ErrAlreadySatisfied
		}
	}

	if _, err := g.runLog.ReclaimZombies(ctx, apiName, g.zombieThreshold); err != nil {
		return err
	}

	live, err := g.runLog.LiveRun(ctx, apiName)
	if err != nil {
		return err
	}
	if live != nil {
		return errs.New(errs.KindConcurrentRun,
			"run %d of %s is live since %s", live.ID, apiName, live.StartAt.Format(time.RFC3339))
	}
	return nil
}

// ZombieThreshold exposes the configured reclamation age.
func (g *Guard) ZombieThreshold() time.Duration { return g.zombieThreshold }
