// Package calendar provides trading-day arithmetic for the exchange
// calendar.
//
// Dates are 8-digit integers (YYYYMMDD); all comparisons are integer
// comparisons. The calendar is loaded once and cached; a lookup past the
// cached horizon triggers a refresh that swaps in a new snapshot
// (copy-on-refresh, readers never see a partial state).
package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// market time zone for the today-cap computation.
const marketTZ = "Asia/Shanghai"

// Source supplies open trading dates, ascending, for an exchange starting at
// a date. Backed by dim_trade_cal in production.
type Source interface {
	TradingDates(ctx context.Context, exchange string, from int) ([]int, error)
}

// Calendar caches the trading-day sequence of one exchange.
type Calendar struct {
	source   Source
	exchange string
	// closeHour is the local hour after which today's session counts as
	// published upstream; before it, the today-cap excludes today.
	closeHour int
	now       func() time.Time
	loc       *time.Location

	mu      sync.RWMutex
	dates   []int       // ascending open dates
	index   map[int]int // date -> position in dates
	horizon int         // greatest cached date, 0 when empty
}

// Option configures a Calendar.
type Option func(*Calendar)

// WithNow overrides the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Calendar) { c.now = now }
}

// WithCloseHour overrides the publication cutoff hour.
func WithCloseHour(h int) Option {
	return func(c *Calendar) { c.closeHour = h }
}

// New creates a Calendar over the given source. The calendar is empty until
// the first lookup forces a load.
func New(source Source, exchange string, opts ...Option) *Calendar {
	loc, err := time.LoadLocation(marketTZ)
	if err != nil {
		loc = time.FixedZone("CST", 8*3600)
	}
	c := &Calendar{
		source:    source,
		exchange:  exchange,
		closeHour: 16,
		now:       time.Now,
		loc:       loc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh reloads the calendar snapshot from the source.
func (c *Calendar) Refresh(ctx context.Context, from int) error {
	dates, err := c.source.TradingDates(ctx, c.exchange, from)
	if err != nil {
		return fmt.Errorf("load trade calendar: %w", err)
	}
	sort.Ints(dates)
	index := make(map[int]int, len(dates))
	for i, d := range dates {
		index[d] = i
	}
	horizon := 0
	if len(dates) > 0 {
		horizon = dates[len(dates)-1]
	}

	c.mu.Lock()
	c.dates = dates
	c.index = index
	c.horizon = horizon
	c.mu.Unlock()

	log.Debug().Str("exchange", c.exchange).Int("dates", len(dates)).
		Int("horizon", horizon).Msg("trade calendar refreshed")
	return nil
}

// ensure loads the calendar if empty or if the requested date is past the
// cached horizon.
func (c *Calendar) ensure(ctx context.Context, upTo int) error {
	c.mu.RLock()
	loaded := len(c.dates) > 0
	horizon := c.horizon
	c.mu.RUnlock()

	if loaded && (upTo == 0 || upTo <= horizon) {
		return nil
	}
	return c.Refresh(ctx, 0)
}

// todayInt renders wall-clock now in the market time zone.
func (c *Calendar) todayInt() (date int, hour int) {
	now := c.now().In(c.loc)
	return now.Year()*10000 + int(now.Month())*100 + now.Day(), now.Hour()
}

// TodayCap returns the greatest trading day that may carry published data:
// the latest open date <= today, excluding today itself before the close
// hour. An empty calendar is a hard error.
func (c *Calendar) TodayCap(ctx context.Context) (int, error) {
	today, hour := c.todayInt()
	if err := c.ensure(ctx, today); err != nil {
		return 0, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.dates) == 0 {
		return 0, fmt.Errorf("trade calendar is empty: cannot resolve today-cap")
	}

	includeToday := hour >= c.closeHour
	// Position of the first date > today.
	i := sort.SearchInts(c.dates, today+1)
	if i > 0 && !includeToday && c.dates[i-1] == today {
		i--
	}
	if i == 0 {
		return 0, fmt.Errorf("trade calendar has no open date on or before %d", today)
	}
	return c.dates[i-1], nil
}

// NextTradingDay returns the first open date strictly after d.
func (c *Calendar) NextTradingDay(ctx context.Context, d int) (int, error) {
	if err := c.ensure(ctx, d); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := sort.SearchInts(c.dates, d+1)
	if i >= len(c.dates) {
		return 0, fmt.Errorf("no trading day after %d within calendar horizon %d", d, c.horizon)
	}
	return c.dates[i], nil
}

// PrevTradingDay returns the last open date strictly before d.
func (c *Calendar) PrevTradingDay(ctx context.Context, d int) (int, error) {
	if err := c.ensure(ctx, d); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := sort.SearchInts(c.dates, d)
	if i == 0 {
		return 0, fmt.Errorf("no trading day before %d", d)
	}
	return c.dates[i-1], nil
}

// TradingDaysBetween returns all open dates in [a, b], ascending. An inverted
// range yields an empty slice.
func (c *Calendar) TradingDaysBetween(ctx context.Context, a, b int) ([]int, error) {
	if a > b {
		return nil, nil
	}
	if err := c.ensure(ctx, b); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	lo := sort.SearchInts(c.dates, a)
	hi := sort.SearchInts(c.dates, b+1)
	out := make([]int, hi-lo)
	copy(out, c.dates[lo:hi])
	return out, nil
}

// IsTradingDay reports whether d is an open date.
func (c *Calendar) IsTradingDay(ctx context.Context, d int) (bool, error) {
	if err := c.ensure(ctx, d); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[d]
	return ok, nil
}
