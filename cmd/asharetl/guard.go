package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/marketlake/asharetl/internal/errs"
	"github.com/marketlake/asharetl/internal/meta"
)

var (
	guardTaskName   string
	guardKey        string
	guardRetries    int
	guardRetryDelay time.Duration
	guardTimeout    time.Duration
)

var guardCmd = &cobra.Command{
	Use:   "guard --task-name NAME --idempotency-key KEY [flags] -- COMMAND [ARGS...]",
	Short: "Run a command at most once per idempotency key, with retries",
	Long: `Wrap an arbitrary command with the retry guard. A prior successful
run with the same (task-name, idempotency-key) skips the command entirely and
exits with code 3. Otherwise the command runs with a per-attempt timeout and
bounded retries; the child's exit code is forwarded.`,
	RunE: runGuard,
}

func init() {
	guardCmd.Flags().StringVar(&guardTaskName, "task-name", "", "Task name recorded in the retry guard")
	guardCmd.Flags().StringVar(&guardKey, "idempotency-key", "", "Idempotency key; equal keys run at most once")
	guardCmd.Flags().IntVar(&guardRetries, "retries", 2, "Retries after the first failed attempt")
	guardCmd.Flags().DurationVar(&guardRetryDelay, "retry-delay", time.Minute, "Delay between attempts")
	guardCmd.Flags().DurationVar(&guardTimeout, "timeout", 90*time.Minute, "Per-attempt timeout")
	_ = guardCmd.MarkFlagRequired("task-name")
	_ = guardCmd.MarkFlagRequired("idempotency-key")
}

func runGuard(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	dash := cmd.ArgsLenAtDash()
	if dash < 0 || dash >= len(args) {
		return &exitError{code: exitConfigError,
			err: fmt.Errorf("guard needs a command after --")}
	}
	child := args[dash:]

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	entry, err := a.guard.Lookup(ctx, guardTaskName, guardKey)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	if entry != nil && entry.Status == meta.StatusSuccess {
		log.Info().Str("task", guardTaskName).Str("key", guardKey).
			Msg("already satisfied, skipping command")
		return &exitError{code: exitSkipped}
	}

	attempts := guardRetries + 1
	lastExit := exitFailure
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := a.guard.Begin(ctx, guardTaskName, guardKey, guardTimeout); err != nil {
			return &exitError{code: exitFailure, err: err}
		}

		code, runErr := runChild(ctx, child, guardTimeout)
		if code == 0 && runErr == nil {
			if err := a.guard.Finish(ctx, guardTaskName, guardKey, meta.StatusSuccess, ""); err != nil {
				return &exitError{code: exitFailure, err: err}
			}
			log.Info().Str("task", guardTaskName).Int("attempt", attempt).Msg("guarded command succeeded")
			return nil
		}

		msg := fmt.Sprintf("exit code %d", code)
		if runErr != nil {
			msg = runErr.Error()
		}
		lastExit = code
		if err := a.guard.Finish(ctx, guardTaskName, guardKey, meta.StatusFailed,
			errs.Truncate(msg, 1000)); err != nil {
			return &exitError{code: exitFailure, err: err}
		}
		log.Warn().Str("task", guardTaskName).Int("attempt", attempt).
			Int("exit_code", code).Str("cause", msg).Msg("guarded command failed")

		if attempt < attempts {
			select {
			case <-time.After(guardRetryDelay):
			case <-ctx.Done():
				return &exitError{code: exitFailure, err: ctx.Err()}
			}
		}
	}

	if lastExit <= 0 {
		lastExit = exitFailure
	}
	return &exitError{code: lastExit,
		err: fmt.Errorf("command failed after %d attempts", attempts)}
}

// runChild executes one attempt with its own deadline, inheriting the
// standard streams so the child's output lands in the operator's terminal.
func runChild(ctx context.Context, argv []string, timeout time.Duration) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	child := exec.CommandContext(attemptCtx, argv[0], argv[1:]...)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Stdin = os.Stdin

	err := child.Run()
	if err == nil {
		return 0, nil
	}
	if attemptCtx.Err() == context.DeadlineExceeded {
		return exitFailure, fmt.Errorf("attempt timed out after %s", timeout)
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode(), nil
	}
	return exitFailure, err
}
