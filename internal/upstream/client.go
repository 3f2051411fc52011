package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/marketlake/asharetl/internal/errs"
	"github.com/marketlake/asharetl/internal/metrics"
	"github.com/marketlake/asharetl/internal/ratelimit"
)

// vendor response codes
const (
	codeOK        = 0
	codeAuth      = 2002 // invalid or expired token
	maxErrorBytes = 512
)

// Request describes one logical fetch against a vendor endpoint.
type Request struct {
	API      string            // vendor endpoint name, e.g. "daily"
	Bucket   string            // rate-limit bucket
	Params   map[string]string // e.g. {"trade_date": "20240111"}
	Schema   Schema
	PageSize int // 0 disables pagination
}

// FetchError is the terminal failure of a fetch after retries.
type FetchError struct {
	Kind      errs.Kind
	API       string
	Attempts  int
	LastCause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.API, e.Attempts, e.LastCause)
}

func (e *FetchError) Unwrap() error {
	return &errs.Error{Kind: e.Kind, Msg: "fetch " + e.API, Err: e.LastCause}
}

// ClientConfig tunes the fetch loop.
type ClientConfig struct {
	BaseURL        string
	Token          string
	RetryTimes     int           // attempts beyond the first
	RetryBase      time.Duration // exponential backoff base
	RetryCap       time.Duration // backoff ceiling
	AttemptTimeout time.Duration // per-attempt deadline
}

// Client fetches vendor pages with per-bucket rate limiting, bounded retries
// with exponential backoff, and a circuit breaker shared across endpoints.
type Client struct {
	cfg     ClientConfig
	httpc   *http.Client
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// NewClient creates a vendor client. The limiter is shared with all other
// fetchers in the process.
func NewClient(cfg ClientConfig, limiter *ratelimit.Limiter, m *metrics.Metrics) *Client {
	if cfg.RetryTimes <= 0 {
		cfg.RetryTimes = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 60 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "upstream",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.AttemptTimeout},
		limiter: limiter,
		breaker: breaker,
		metrics: m,
	}
}

// vendor wire format
type apiRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields,omitempty"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Fields  []string        `json:"fields"`
		Items   [][]interface{} `json:"items"`
		HasMore bool            `json:"has_more"`
	} `json:"data"`
}

// Fetch performs one logical fetch, following vendor pagination when the
// request declares a page size. Each attempt acquires one token from the
// request's bucket before issuing the HTTP call.
func (c *Client) Fetch(ctx context.Context, req Request) (*Page, error) {
	page := NewPage(req.Schema)
	offset := 0
	for {
		chunk, hasMore, err := c.fetchChunk(ctx, req, offset)
		if err != nil {
			return nil, err
		}
		if err := page.Append(chunk); err != nil {
			return nil, err
		}
		if req.PageSize <= 0 || !hasMore || chunk.Rows() < req.PageSize {
			return page, nil
		}
		offset += chunk.Rows()
	}
}

func (c *Client) fetchChunk(ctx context.Context, req Request, offset int) (*Page, bool, error) {
	requestID := uuid.NewString()
	var lastErr error

	maxAttempts := c.cfg.RetryTimes + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx, req.Bucket, 1); err != nil {
			return nil, false, errs.Wrap(errs.KindCancelled, err, "rate wait for %s", req.API)
		}

		page, hasMore, err := c.attempt(ctx, req, offset, requestID)
		if err == nil {
			c.metrics.UpstreamRequests.WithLabelValues(req.API, "success").Inc()
			return page, hasMore, nil
		}
		c.metrics.UpstreamRequests.WithLabelValues(req.API, "failed").Inc()

		if ctx.Err() != nil {
			return nil, false, errs.Wrap(errs.KindCancelled, ctx.Err(), "fetch %s", req.API)
		}
		if !errs.IsTransient(err) {
			// Schema and auth failures do not improve on retry.
			return nil, false, &FetchError{Kind: errs.KindOf(err), API: req.API, Attempts: attempt, LastCause: err}
		}

		lastErr = err
		if attempt < maxAttempts {
			delay := backoff(c.cfg.RetryBase, c.cfg.RetryCap, attempt)
			c.metrics.UpstreamRetries.WithLabelValues(req.API).Inc()
			log.Warn().Str("api", req.API).Str("request_id", requestID).
				Int("attempt", attempt).Dur("backoff", delay).Err(err).
				Msg("transient upstream failure, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, false, errs.Wrap(errs.KindCancelled, ctx.Err(), "fetch %s", req.API)
			}
		}
	}

	return nil, false, &FetchError{Kind: errs.KindTransientIO, API: req.API, Attempts: maxAttempts, LastCause: lastErr}
}

// attempt issues exactly one HTTP request through the circuit breaker.
func (c *Client) attempt(ctx context.Context, req Request, offset int, requestID string) (*Page, bool, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, req, offset, requestID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, false, errs.Wrap(errs.KindTransientIO, err, "upstream breaker open")
		}
		return nil, false, err
	}
	res := result.(*apiResponse)
	page, err := c.decode(req.Schema, res)
	if err != nil {
		return nil, false, err
	}
	return page, res.Data != nil && res.Data.HasMore, nil
}

func (c *Client) do(ctx context.Context, req Request, offset int, requestID string) (*apiResponse, error) {
	params := make(map[string]string, len(req.Params)+2)
	for k, v := range req.Params {
		params[k] = v
	}
	if req.PageSize > 0 {
		params["limit"] = fmt.Sprintf("%d", req.PageSize)
		params["offset"] = fmt.Sprintf("%d", offset)
	}

	body, err := json.Marshal(apiRequest{
		APIName: req.API,
		Token:   c.cfg.Token,
		Params:  params,
		Fields:  strings.Join(req.Schema.Names(), ","),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBytes))
		return nil, errs.New(errs.KindTransientIO, "upstream status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindUpstreamSchema, "unexpected upstream status %d", resp.StatusCode)
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.Wrap(errs.KindTransientIO, err, "decode upstream body")
	}

	switch {
	case out.Code == codeOK:
		return &out, nil
	case out.Code == codeAuth:
		return nil, errs.New(errs.KindUpstreamSchema, "upstream auth rejected: %s", out.Msg)
	default:
		// Vendor-side throttling and transient server errors share the
		// non-zero code path; both are retryable.
		return nil, errs.New(errs.KindTransientIO, "upstream code %d: %s", out.Code, out.Msg)
	}
}

// decode maps a raw response onto the declared schema. Column order in the
// response is authoritative; unknown columns are fatal unless tolerated, and
// a declared column missing from the response is always fatal.
func (c *Client) decode(schema Schema, res *apiResponse) (*Page, error) {
	page := NewPage(schema)
	if res.Data == nil {
		return page, nil
	}

	// position of each declared field in the response row
	positions := make([]int, len(schema.Fields))
	for i := range positions {
		positions[i] = -1
	}
	for pos, name := range res.Data.Fields {
		matched := false
		for i, f := range schema.Fields {
			if f.Name == name {
				positions[i] = pos
				matched = true
				break
			}
		}
		if !matched && !schema.TolerateExtra {
			return nil, errs.New(errs.KindUpstreamSchema, "unexpected upstream column %q", name)
		}
	}
	for i, f := range schema.Fields {
		if positions[i] == -1 {
			return nil, errs.New(errs.KindUpstreamSchema, "upstream column %q missing (drift?)", f.Name)
		}
	}

	row := make([]interface{}, len(schema.Fields))
	for _, item := range res.Data.Items {
		for i, pos := range positions {
			if pos >= len(item) {
				return nil, errs.New(errs.KindUpstreamSchema, "short row: %d values, need index %d", len(item), pos)
			}
			row[i] = item[pos]
		}
		if err := page.AppendRow(row); err != nil {
			return nil, err
		}
	}
	return page, nil
}

func classifyNetErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Wrap(errs.KindTransientIO, err, "attempt deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindCancelled, err, "request cancelled")
	}
	return errs.Wrap(errs.KindTransientIO, err, "network failure")
}

func backoff(base, ceiling time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}
