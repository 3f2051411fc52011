package main

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/marketlake/asharetl/internal/quality"
)

var checkHours int

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the freshness SLO of the core feeds",
	Long: `Check that every core API has a fresh watermark and at least one
successful run inside the window. Exits non-zero when the SLO is breached, so
the command can drive an external alert.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().IntVar(&checkHours, "hours", 26, "Freshness window in hours")
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	core := make([]string, 0, 8)
	for _, name := range a.rt.Registry.Names() {
		if desc, ok := a.rt.Registry.Get(name); ok && desc.Core {
			core = append(core, name)
		}
	}

	checker := quality.NewSLOChecker(a.wms, a.runLog)
	report, err := checker.Check(ctx, time.Duration(checkHours)*time.Hour, core)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}

	if report.Breached() {
		for _, b := range report.Breaches {
			log.Error().Str("api", b.APIName).Str("reason", b.Reason).Msg("freshness SLO breached")
		}
		return &exitError{code: exitFailure}
	}
	log.Info().Int("hours", checkHours).Int("core_apis", len(core)).Msg("freshness SLO met")
	return nil
}
