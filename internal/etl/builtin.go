package etl

import (
	"strconv"

	"github.com/marketlake/asharetl/internal/upstream"
)

// BuiltinRegistry returns the descriptor set of the warehouse's upstream
// endpoints. Logical names double as watermark keys, so renaming one is a
// migration.
func BuiltinRegistry() *Registry {
	r := NewRegistry()

	r.MustRegister(Descriptor{
		Name:       "trade_cal",
		Cursor:     CursorSnapshot,
		Table:      "dim_trade_cal",
		PrimaryKey: []string{"exchange", "cal_date"},
		Core:       true,
		Schema: upstream.Schema{Fields: []upstream.Field{
			upstream.F("exchange", upstream.TypeString),
			upstream.F("cal_date", upstream.TypeInt),
			upstream.F("is_open", upstream.TypeInt),
			upstream.F("pretrade_date", upstream.TypeInt),
		}},
		Params: func(int) map[string]string {
			return map[string]string{"exchange": "SSE"}
		},
	})

	r.MustRegister(Descriptor{
		Name:       "stock_basic",
		Cursor:     CursorSnapshot,
		Table:      "dim_stock",
		PrimaryKey: []string{"ts_code"},
		Core:       true,
		Schema: upstream.Schema{Fields: []upstream.Field{
			upstream.F("ts_code", upstream.TypeString),
			upstream.F("symbol", upstream.TypeString),
			upstream.F("name", upstream.TypeString),
			upstream.F("area", upstream.TypeString),
			upstream.F("industry", upstream.TypeString),
			upstream.F("market", upstream.TypeString),
			upstream.F("list_date", upstream.TypeInt),
			upstream.F("delist_date", upstream.TypeInt),
			upstream.F("is_hs", upstream.TypeString),
		}},
		Params: func(int) map[string]string {
			return map[string]string{"exchange": "", "list_status": "L"}
		},
	})

	r.MustRegister(Descriptor{
		Name:       "daily",
		Cursor:     CursorTradeDate,
		Table:      "ods_daily",
		PrimaryKey: []string{"trade_date", "ts_code"},
		PageSize:   6000,
		LagHours:   1,
		Core:       true,
		Schema: upstream.Schema{Fields: []upstream.Field{
			upstream.F("trade_date", upstream.TypeInt),
			upstream.F("ts_code", upstream.TypeString),
			upstream.F("open", upstream.TypeFloat),
			upstream.F("high", upstream.TypeFloat),
			upstream.F("low", upstream.TypeFloat),
			upstream.F("close", upstream.TypeFloat),
			upstream.F("pre_close", upstream.TypeFloat),
			upstream.F("change", upstream.TypeFloat),
			upstream.F("pct_chg", upstream.TypeFloat),
			upstream.F("vol", upstream.TypeFloat),
			upstream.F("amount", upstream.TypeFloat),
		}},
		Params: TradeDateParams,
	})

	r.MustRegister(Descriptor{
		Name:       "daily_basic",
		Cursor:     CursorTradeDate,
		Table:      "ods_daily_basic",
		PrimaryKey: []string{"trade_date", "ts_code"},
		PageSize:   6000,
		LagHours:   1,
		Core:       true,
		Schema: upstream.Schema{Fields: []upstream.Field{
			upstream.F("trade_date", upstream.TypeInt),
			upstream.F("ts_code", upstream.TypeString),
			upstream.F("close", upstream.TypeFloat),
			upstream.F("turnover_rate", upstream.TypeFloat),
			upstream.F("volume_ratio", upstream.TypeFloat),
			upstream.F("pe", upstream.TypeFloat),
			upstream.F("pe_ttm", upstream.TypeFloat),
			upstream.F("pb", upstream.TypeFloat),
			upstream.F("ps_ttm", upstream.TypeFloat),
			upstream.F("dv_ratio", upstream.TypeFloat),
			upstream.F("total_mv", upstream.TypeFloat),
			upstream.F("circ_mv", upstream.TypeFloat),
		}},
		Params: TradeDateParams,
	})

	r.MustRegister(Descriptor{
		Name:       "adj_factor",
		Cursor:     CursorTradeDate,
		Table:      "ods_adj_factor",
		PrimaryKey: []string{"trade_date", "ts_code"},
		PageSize:   6000,
		LagHours:   1,
		Core:       true,
		Schema: upstream.Schema{Fields: []upstream.Field{
			upstream.F("trade_date", upstream.TypeInt),
			upstream.F("ts_code", upstream.TypeString),
			upstream.F("adj_factor", upstream.TypeFloat),
		}},
		Params: TradeDateParams,
	})

	r.MustRegister(Descriptor{
		Name:       "moneyflow",
		Cursor:     CursorTradeDate,
		Table:      "ods_moneyflow",
		PrimaryKey: []string{"trade_date", "ts_code"},
		PageSize:   6000,
		LagHours:   2,
		Schema: upstream.Schema{Fields: []upstream.Field{
			upstream.F("trade_date", upstream.TypeInt),
			upstream.F("ts_code", upstream.TypeString),
			upstream.F("buy_lg_amount", upstream.TypeFloat),
			upstream.F("sell_lg_amount", upstream.TypeFloat),
			upstream.F("buy_elg_amount", upstream.TypeFloat),
			upstream.F("sell_elg_amount", upstream.TypeFloat),
			upstream.F("net_mf_amount", upstream.TypeFloat),
		}},
		Params: TradeDateParams,
	})

	// Margin balances publish T+1 before the open; the 0830 pipeline picks
	// them up.
	r.MustRegister(Descriptor{
		Name:       "margin",
		Cursor:     CursorTradeDate,
		Table:      "ods_margin",
		PrimaryKey: []string{"trade_date", "ts_code"},
		PageSize:   6000,
		LagHours:   16,
		Schema: upstream.Schema{Fields: []upstream.Field{
			upstream.F("trade_date", upstream.TypeInt),
			upstream.F("ts_code", upstream.TypeString),
			upstream.F("rzye", upstream.TypeFloat),
			upstream.F("rzmre", upstream.TypeFloat),
			upstream.F("rqye", upstream.TypeFloat),
			upstream.F("rzrqye", upstream.TypeFloat),
		}},
		Params: func(date int) map[string]string {
			return map[string]string{"trade_date": strconv.Itoa(date)}
		},
	})

	r.MustRegister(Descriptor{
		Name:       "dividend",
		Cursor:     CursorAnnDate,
		Table:      "ods_dividend",
		PrimaryKey: []string{"ts_code", "end_date", "ann_date"},
		PageSize:   6000,
		LagHours:   4,
		Schema: upstream.Schema{Fields: []upstream.Field{
			upstream.F("ts_code", upstream.TypeString),
			upstream.F("end_date", upstream.TypeInt),
			upstream.F("ann_date", upstream.TypeInt),
			upstream.F("div_proc", upstream.TypeString),
			upstream.F("cash_div_tax", upstream.TypeFloat),
			upstream.F("record_date", upstream.TypeInt),
			upstream.F("ex_date", upstream.TypeInt),
		}},
		Params: AnnDateParams,
	})

	r.MustRegister(Descriptor{
		Name:       "fina_indicator",
		Endpoint:   "fina_indicator_vip",
		Cursor:     CursorAnnDate,
		Table:      "ods_fina_indicator",
		PrimaryKey: []string{"ts_code", "end_date", "ann_date"},
		PageSize:   6000,
		LagHours:   4,
		Schema: upstream.Schema{Fields: []upstream.Field{
			upstream.F("ts_code", upstream.TypeString),
			upstream.F("ann_date", upstream.TypeInt),
			upstream.F("end_date", upstream.TypeInt),
			upstream.F("roe", upstream.TypeFloat),
			upstream.F("grossprofit_margin", upstream.TypeFloat),
			upstream.F("netprofit_margin", upstream.TypeFloat),
			upstream.F("debt_to_assets", upstream.TypeFloat),
		}},
		Params: AnnDateParams,
	})

	return r
}
