package quality

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marketlake/asharetl/internal/meta"
)

// Breach is one SLO violation.
type Breach struct {
	APIName string
	Reason  string
}

// SLOReport is the outcome of one freshness window check.
type SLOReport struct {
	Window   time.Duration
	Breaches []Breach
}

// Breached reports whether any SLO was violated.
func (r SLOReport) Breached() bool { return len(r.Breaches) > 0 }

func (r SLOReport) String() string {
	if !r.Breached() {
		return fmt.Sprintf("all core watermarks fresh within %s", r.Window)
	}
	parts := make([]string, len(r.Breaches))
	for i, b := range r.Breaches {
		parts[i] = fmt.Sprintf("%s: %s", b.APIName, b.Reason)
	}
	return strings.Join(parts, "; ")
}

// WatermarkLister exposes stale watermark lookup. Satisfied by
// *meta.Watermarks.
type WatermarkLister interface {
	StaleSince(ctx context.Context, cutoff time.Time) ([]meta.Watermark, error)
}

// SuccessCounter exposes run-log success counting. Satisfied by *meta.RunLog.
type SuccessCounter interface {
	SuccessesSince(ctx context.Context, apiName string, cutoff time.Time) (int, error)
}

// SLOChecker verifies that the core APIs ran successfully inside the window.
type SLOChecker struct {
	watermarks WatermarkLister
	runLog     SuccessCounter
	now        func() time.Time
}

// NewSLOChecker creates the freshness checker.
func NewSLOChecker(w WatermarkLister, r SuccessCounter) *SLOChecker {
	return &SLOChecker{watermarks: w, runLog: r, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (s *SLOChecker) WithNow(now func() time.Time) *SLOChecker {
	s.now = now
	return s
}

// Check reports every core API whose watermark is stale or failed, or that
// has no successful run inside the window.
func (s *SLOChecker) Check(ctx context.Context, window time.Duration, coreAPIs []string) (SLOReport, error) {
	report := SLOReport{Window: window}
	cutoff := s.now().Add(-window)

	core := make(map[string]bool, len(coreAPIs))
	for _, api := range coreAPIs {
		core[api] = true
	}

	stale, err := s.watermarks.StaleSince(ctx, cutoff)
	if err != nil {
		return report, err
	}
	flagged := make(map[string]bool)
	for _, wm := range stale {
		if !core[wm.APIName] {
			continue
		}
		reason := "watermark stale"
		if wm.Status == meta.StatusFailed {
			reason = "watermark in FAILED state"
		} else if !wm.LastRunAt.Valid {
			reason = "watermark never ran"
		}
		report.Breaches = append(report.Breaches, Breach{APIName: wm.APIName, Reason: reason})
		flagged[wm.APIName] = true
	}

	for _, api := range coreAPIs {
		if flagged[api] {
			continue
		}
		n, err := s.runLog.SuccessesSince(ctx, api, cutoff)
		if err != nil {
			return report, err
		}
		if n == 0 {
			report.Breaches = append(report.Breaches, Breach{
				APIName: api,
				Reason:  fmt.Sprintf("no successful run in the last %s", window),
			})
		}
	}
	return report, nil
}
