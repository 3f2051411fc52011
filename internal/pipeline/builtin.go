package pipeline

import (
	"context"

	"github.com/marketlake/asharetl/internal/errs"
	"github.com/marketlake/asharetl/internal/etl"
	"github.com/marketlake/asharetl/internal/meta"
	"github.com/marketlake/asharetl/internal/quality"
)

// qualityStage adapts an assertion suite to a check stage function. HIGH
// severity failures surface as a QualityAssertion error; the coordinator's
// policy decides whether that aborts.
func qualityStage(checker *quality.Checker, suite func() []quality.Assertion) etl.StageFunc {
	return func(ctx context.Context, _ *etl.Runtime, dates []int) (meta.RunCounts, error) {
		var counts meta.RunCounts
		for _, date := range dates {
			results, err := checker.Run(ctx, date, suite())
			counts.Requests += len(results)
			for _, r := range results {
				if !r.Passed {
					counts.Failures++
				}
			}
			if err != nil {
				return counts, err
			}
			if quality.HasHigh(results) {
				return counts, errs.New(errs.KindQualityAssertion,
					"quality checks failed HIGH for %d", date)
			}
		}
		return counts, nil
	}
}

// Afternoon is the 17:00 core pipeline: calendar and dimension refresh, core
// ods ingest, quality gate, then the dwd/dws/ads transforms. Fund-flow is a
// feature feed and fails soft; the layers built on it fail soft with it.
func Afternoon(checker *quality.Checker, weights ScoreWeights) Pipeline {
	return Pipeline{
		Name: "afternoon",
		Stages: []etl.Stage{
			{Name: "ingest_trade_cal", Kind: etl.KindIngest, API: "trade_cal"},
			{Name: "refresh_calendar", Kind: etl.KindCheck, API: "calendar_refresh", Fn: RefreshCalendarCache},
			{Name: "ingest_stock_basic", Kind: etl.KindIngest, API: "stock_basic"},
			{Name: "ingest_daily", Kind: etl.KindIngest, API: "daily"},
			{Name: "ingest_daily_basic", Kind: etl.KindIngest, API: "daily_basic"},
			{Name: "ingest_adj_factor", Kind: etl.KindIngest, API: "adj_factor"},
			{Name: "ingest_moneyflow", Kind: etl.KindIngest, API: "moneyflow", Lenient: true},
			{Name: "check_ods", Kind: etl.KindCheck, API: "quality_ods",
				DependsOn: []string{"daily", "daily_basic", "adj_factor"},
				Fn:        qualityStage(checker, quality.CoreSuite)},
			{Name: "transform_dwd_daily", Kind: etl.KindTransform, API: "dwd_daily",
				DependsOn: []string{"daily", "daily_basic", "adj_factor"},
				Fn:        TransformDWDDaily},
			{Name: "transform_stock_features", Kind: etl.KindTransform, API: "dws_stock_features",
				DependsOn: []string{"dwd_daily", "moneyflow"},
				Lenient:   true, Fn: TransformStockFeatures},
			{Name: "transform_stock_score", Kind: etl.KindTransform, API: "ads_stock_score",
				DependsOn: []string{"dws_stock_features"},
				Lenient:   true, Fn: StockScoreTransform(weights)},
			{Name: "check_layers", Kind: etl.KindCheck, API: "quality_layers",
				DependsOn: []string{"dwd_daily", "dws_stock_features"},
				Lenient:   true, Fn: qualityStage(checker, quality.TransformSuite)},
		},
	}
}

// Evening is the 20:00 enhancement pipeline: announcement-keyed feeds plus a
// catch-up pass over anything the afternoon run left behind (fund flow
// publishes late some days).
func Evening(checker *quality.Checker, weights ScoreWeights) Pipeline {
	return Pipeline{
		Name: "evening",
		Stages: []etl.Stage{
			{Name: "ingest_dividend", Kind: etl.KindIngest, API: "dividend", Lenient: true},
			{Name: "ingest_fina_indicator", Kind: etl.KindIngest, API: "fina_indicator", Lenient: true},
			{Name: "ingest_moneyflow", Kind: etl.KindIngest, API: "moneyflow", Lenient: true},
			{Name: "transform_dwd_daily", Kind: etl.KindTransform, API: "dwd_daily",
				DependsOn: []string{"daily", "daily_basic", "adj_factor"},
				Fn:        TransformDWDDaily},
			{Name: "transform_stock_features", Kind: etl.KindTransform, API: "dws_stock_features",
				DependsOn: []string{"dwd_daily", "moneyflow"},
				Lenient:   true, Fn: TransformStockFeatures},
			{Name: "transform_stock_score", Kind: etl.KindTransform, API: "ads_stock_score",
				DependsOn: []string{"dws_stock_features"},
				Lenient:   true, Fn: StockScoreTransform(weights)},
			{Name: "check_layers", Kind: etl.KindCheck, API: "quality_layers",
				DependsOn: []string{"dwd_daily"},
				Lenient:   true, Fn: qualityStage(checker, quality.TransformSuite)},
		},
	}
}

// Morning is the 08:30 T+1 pipeline: margin balances publish before the open
// for the previous session, so the feature and scoring layers are re-derived
// for the cap date. The refreshes run as check stages: they redo the latest
// date idempotently without moving any transform watermark.
func Morning(weights ScoreWeights) Pipeline {
	return Pipeline{
		Name: "morning",
		Stages: []etl.Stage{
			{Name: "ingest_margin", Kind: etl.KindIngest, API: "margin"},
			{Name: "refresh_stock_features", Kind: etl.KindCheck, API: "dws_margin_refresh",
				DependsOn: []string{"margin", "dwd_daily"},
				Fn:        TransformStockFeatures},
			{Name: "refresh_stock_score", Kind: etl.KindCheck, API: "ads_score_refresh",
				DependsOn: []string{"margin"},
				Fn:        StockScoreTransform(weights)},
		},
	}
}

// ByName resolves a named pipeline.
func ByName(name string, checker *quality.Checker, weights ScoreWeights) (Pipeline, bool) {
	switch name {
	case "afternoon":
		return Afternoon(checker, weights), true
	case "evening":
		return Evening(checker, weights), true
	case "morning":
		return Morning(weights), true
	default:
		return Pipeline{}, false
	}
}
