package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/marketlake/asharetl/internal/errs"
	"github.com/marketlake/asharetl/internal/etl"
	"github.com/marketlake/asharetl/internal/meta"
)

// ScoreWeights parameterize the ads scoring formula. Weights are data, not
// code: callers may load them from config before wiring the pipeline.
type ScoreWeights struct {
	Momentum  float64
	Liquidity float64
	FundFlow  float64
}

// DefaultScoreWeights is the production weighting.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Momentum: 0.4, Liquidity: 0.3, FundFlow: 0.3}
}

// execPerDate runs one statement per trading date, strictly ascending, and
// folds affected row counts into the run counts.
func execPerDate(ctx context.Context, rt *etl.Runtime, dates []int, name, query string, extraArgs ...interface{}) (meta.RunCounts, error) {
	var counts meta.RunCounts
	for _, date := range dates {
		args := append([]interface{}{date}, extraArgs...)
		counts.Requests++
		n, err := rt.Exec(ctx, query, args...)
		if err != nil {
			counts.Failures++
			return counts, errs.Wrap(errs.KindStoreWrite, err, "transform %s at %d", name, date)
		}
		log.Debug().Str("transform", name).Int("date", date).Int64("rows", n).Msg("transform date committed")
	}
	return counts, nil
}

// TransformDWDDaily standardizes ods quotes into dwd_daily: adjusted close
// via the adjustment factor, valuation columns joined from daily_basic.
func TransformDWDDaily(ctx context.Context, rt *etl.Runtime, dates []int) (meta.RunCounts, error) {
	const q = `
INSERT INTO dwd_daily (trade_date, ts_code, open, high, low, close, pre_close,
                       pct_chg, vol, amount, adj_factor, close_hfq,
                       turnover_rate, pe_ttm, pb, total_mv, circ_mv, updated_at)
SELECT d.trade_date, d.ts_code, d.open, d.high, d.low, d.close, d.pre_close,
       d.pct_chg, d.vol, d.amount, a.adj_factor, d.close * a.adj_factor,
       b.turnover_rate, b.pe_ttm, b.pb, b.total_mv, b.circ_mv, now()
FROM ods_daily d
JOIN ods_adj_factor a ON a.trade_date = d.trade_date AND a.ts_code = d.ts_code
LEFT JOIN ods_daily_basic b ON b.trade_date = d.trade_date AND b.ts_code = d.ts_code
WHERE d.trade_date = $1
ON CONFLICT (trade_date, ts_code) DO UPDATE SET
  open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
  close = EXCLUDED.close, pre_close = EXCLUDED.pre_close,
  pct_chg = EXCLUDED.pct_chg, vol = EXCLUDED.vol, amount = EXCLUDED.amount,
  adj_factor = EXCLUDED.adj_factor, close_hfq = EXCLUDED.close_hfq,
  turnover_rate = EXCLUDED.turnover_rate, pe_ttm = EXCLUDED.pe_ttm,
  pb = EXCLUDED.pb, total_mv = EXCLUDED.total_mv, circ_mv = EXCLUDED.circ_mv,
  updated_at = now()`
	return execPerDate(ctx, rt, dates, "dwd_daily", q)
}

// TransformStockFeatures builds the dws feature wide table: moving averages
// over adjusted closes plus fund-flow and margin joins.
func TransformStockFeatures(ctx context.Context, rt *etl.Runtime, dates []int) (meta.RunCounts, error) {
	const q = `
INSERT INTO dws_stock_features (trade_date, ts_code, ma5, ma20, amount_ratio_20,
                                pct_chg_5d, net_mf_amount, rzye, updated_at)
SELECT t.trade_date, t.ts_code, t.ma5, t.ma20,
       CASE WHEN t.avg_amount_20 > 0 THEN t.amount / t.avg_amount_20 END,
       t.pct_chg_5d, m.net_mf_amount, g.rzye, now()
FROM (
  SELECT trade_date, ts_code, amount,
         AVG(close_hfq) OVER w5  AS ma5,
         AVG(close_hfq) OVER w20 AS ma20,
         AVG(amount)    OVER w20 AS avg_amount_20,
         CASE WHEN LAG(close_hfq, 5) OVER wago > 0
              THEN close_hfq / LAG(close_hfq, 5) OVER wago - 1 END AS pct_chg_5d
  FROM dwd_daily
  WHERE trade_date <= $1
  WINDOW w5   AS (PARTITION BY ts_code ORDER BY trade_date ROWS BETWEEN 4 PRECEDING AND CURRENT ROW),
         w20  AS (PARTITION BY ts_code ORDER BY trade_date ROWS BETWEEN 19 PRECEDING AND CURRENT ROW),
         wago AS (PARTITION BY ts_code ORDER BY trade_date)
) t
LEFT JOIN ods_moneyflow m ON m.trade_date = t.trade_date AND m.ts_code = t.ts_code
LEFT JOIN ods_margin    g ON g.trade_date = t.trade_date AND g.ts_code = t.ts_code
WHERE t.trade_date = $1
ON CONFLICT (trade_date, ts_code) DO UPDATE SET
  ma5 = EXCLUDED.ma5, ma20 = EXCLUDED.ma20,
  amount_ratio_20 = EXCLUDED.amount_ratio_20, pct_chg_5d = EXCLUDED.pct_chg_5d,
  net_mf_amount = EXCLUDED.net_mf_amount, rzye = EXCLUDED.rzye,
  updated_at = now()`
	return execPerDate(ctx, rt, dates, "dws_stock_features", q)
}

// StockScoreTransform builds the ads scoring stage function for one weight
// set. Scores are cross-sectional percentile ranks blended by the weights.
func StockScoreTransform(w ScoreWeights) etl.StageFunc {
	return func(ctx context.Context, rt *etl.Runtime, dates []int) (meta.RunCounts, error) {
		const q = `
INSERT INTO ads_stock_score (trade_date, ts_code, momentum, liquidity,
                             fund_flow, score, score_rank, updated_at)
SELECT trade_date, ts_code, momentum, liquidity, fund_flow,
       momentum * $2 + liquidity * $3 + fund_flow * $4 AS score,
       RANK() OVER (ORDER BY momentum * $2 + liquidity * $3 + fund_flow * $4 DESC),
       now()
FROM (
  SELECT trade_date, ts_code,
         PERCENT_RANK() OVER (ORDER BY pct_chg_5d)               AS momentum,
         PERCENT_RANK() OVER (ORDER BY amount_ratio_20)          AS liquidity,
         PERCENT_RANK() OVER (ORDER BY COALESCE(net_mf_amount, 0)) AS fund_flow
  FROM dws_stock_features
  WHERE trade_date = $1 AND pct_chg_5d IS NOT NULL
) f
ON CONFLICT (trade_date, ts_code) DO UPDATE SET
  momentum = EXCLUDED.momentum, liquidity = EXCLUDED.liquidity,
  fund_flow = EXCLUDED.fund_flow, score = EXCLUDED.score,
  score_rank = EXCLUDED.score_rank, updated_at = now()`
		return execPerDate(ctx, rt, dates, "ads_stock_score", q,
			w.Momentum, w.Liquidity, w.FundFlow)
	}
}

// RefreshCalendarCache reloads the in-process calendar after the trade_cal
// snapshot landed, so same-run stages see new horizon dates.
func RefreshCalendarCache(ctx context.Context, rt *etl.Runtime, _ []int) (meta.RunCounts, error) {
	if err := rt.Calendar.Refresh(ctx, 0); err != nil {
		return meta.RunCounts{Requests: 1, Failures: 1}, fmt.Errorf("refresh calendar cache: %w", err)
	}
	return meta.RunCounts{Requests: 1}, nil
}
