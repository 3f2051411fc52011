// Package metrics exposes the process-wide Prometheus collectors for the ETL
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics bundles the engine collectors. One instance per process, created
// against an explicit registry (no package-level singletons).
type Metrics struct {
	Registry *prometheus.Registry

	UpstreamRequests *prometheus.CounterVec // api, outcome
	UpstreamRetries  *prometheus.CounterVec // api
	RowsUpserted     *prometheus.CounterVec // table
	StageDuration    *prometheus.HistogramVec
	StageRuns        *prometheus.CounterVec // stage, status
	QualityFailures  *prometheus.CounterVec // rule
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		UpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asharetl_upstream_requests_total",
			Help: "Upstream API requests by api name and outcome.",
		}, []string{"api", "outcome"}),
		UpstreamRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asharetl_upstream_retries_total",
			Help: "Retried upstream attempts by api name.",
		}, []string{"api"}),
		RowsUpserted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asharetl_rows_upserted_total",
			Help: "Distinct primary keys written by target table.",
		}, []string{"table"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asharetl_stage_duration_seconds",
			Help:    "Stage wall time by stage name.",
			Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
		}, []string{"stage"}),
		StageRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asharetl_stage_runs_total",
			Help: "Stage executions by stage name and terminal status.",
		}, []string{"stage", "status"}),
		QualityFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asharetl_quality_failures_total",
			Help: "Quality assertion failures by rule.",
		}, []string{"rule"}),
	}
}

// CounterValue reads the current value of one labelled counter from the
// registry. Used when folding metrics into the terminal run summary.
func (m *Metrics) CounterValue(name string, labels map[string]string) float64 {
	families, err := m.Registry.Gather()
	if err != nil {
		return 0
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric, labels) {
				if c := metric.GetCounter(); c != nil {
					return c.GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	have := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		have[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
