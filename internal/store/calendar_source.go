package store

import (
	"context"
	"fmt"
)

// CalendarSource feeds the in-process trade calendar from dim_trade_cal.
type CalendarSource struct {
	mgr *Manager
}

// NewCalendarSource creates a calendar source over the shared store.
func NewCalendarSource(mgr *Manager) *CalendarSource {
	return &CalendarSource{mgr: mgr}
}

// TradingDates returns all open calendar dates >= from, ascending.
func (s *CalendarSource) TradingDates(ctx context.Context, exchange string, from int) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.mgr.QueryTimeout())
	defer cancel()

	var dates []int
	err := s.mgr.DB().SelectContext(ctx, &dates,
		`SELECT cal_date FROM dim_trade_cal
		 WHERE exchange = $1 AND is_open = 1 AND cal_date >= $2
		 ORDER BY cal_date`, exchange, from)
	if err != nil {
		return nil, fmt.Errorf("query dim_trade_cal: %w", err)
	}
	return dates, nil
}
