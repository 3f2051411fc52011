package main

import (
	"github.com/spf13/cobra"

	"github.com/marketlake/asharetl/internal/httpapi"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only ops endpoint",
	Long:  "Serve /health, /metrics and /status until interrupted.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (defaults to ops.listen from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	addr := serveListen
	if addr == "" {
		addr = a.cfg.Ops.Listen
	}
	if addr == "" {
		addr = ":9180"
	}

	srv := httpapi.New(a.mgr, a.wms, a.runLog, a.metrics)
	return srv.ListenAndServe(ctx, addr)
}
