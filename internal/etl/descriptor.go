// Package etl holds the API descriptors and the stage runner that executes
// one logical stage (ingest / transform / check) over a trading-date range.
package etl

import (
	"fmt"
	"strconv"

	"github.com/marketlake/asharetl/internal/upstream"
)

// CursorKind states how an API's incremental cursor moves.
type CursorKind int

const (
	// CursorTradeDate APIs are fetched one trading day at a time.
	CursorTradeDate CursorKind = iota
	// CursorAnnDate APIs are keyed by announcement date; fetched per
	// calendar day of the range.
	CursorAnnDate
	// CursorSnapshot APIs return a full current snapshot (dimension
	// tables); one fetch refreshes the whole table.
	CursorSnapshot
)

// Descriptor is the static definition of one upstream endpoint.
type Descriptor struct {
	// Name is the logical api name; also the watermark key.
	Name string
	// Endpoint is the vendor api_name on the wire.
	Endpoint string
	Cursor   CursorKind
	// Bucket is the rate-limit bucket this API draws from.
	Bucket   string
	PageSize int
	// Table and PrimaryKey define the upsert target.
	Table      string
	PrimaryKey []string
	Schema     upstream.Schema
	// LagHours is the upstream readiness lag after market close; a
	// missing "today" row within the lag window is not an error.
	LagHours int
	// Core APIs are hard-required; feature APIs may be downgraded under
	// lenient policy.
	Core bool
	// Params builds the request parameters for one cursor value. date is
	// 0 for snapshot APIs.
	Params func(date int) map[string]string
}

// TradeDateParams is the common parameter builder for trade-date APIs.
func TradeDateParams(date int) map[string]string {
	return map[string]string{"trade_date": strconv.Itoa(date)}
}

// AnnDateParams builds announcement-date window parameters for one day.
func AnnDateParams(date int) map[string]string {
	d := strconv.Itoa(date)
	return map[string]string{"start_date": d, "end_date": d}
}

// Registry maps logical api names to descriptors, preserving registration
// order.
type Registry struct {
	byName map[string]Descriptor
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Descriptor)}
}

// Register adds a descriptor; duplicate names are a programming error.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" || d.Table == "" || len(d.PrimaryKey) == 0 {
		return fmt.Errorf("descriptor %q is incomplete", d.Name)
	}
	if _, dup := r.byName[d.Name]; dup {
		return fmt.Errorf("descriptor %q already registered", d.Name)
	}
	if d.Endpoint == "" {
		d.Endpoint = d.Name
	}
	if d.Bucket == "" {
		d.Bucket = "default"
	}
	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// MustRegister panics on registration errors; used for the built-in set.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Get resolves a descriptor by logical name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Names lists registered apis in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
