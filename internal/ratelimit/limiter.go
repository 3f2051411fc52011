// Package ratelimit provides named token buckets shared by all concurrent
// fetchers in the process.
//
// Each bucket corresponds to one upstream logical rate class and refills at a
// configured tokens-per-minute rate. Waiting callers are served FIFO by the
// underlying golang.org/x/time/rate limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultBucket is used for buckets that were never registered.
const defaultBucket = "default"

// Limiter is a set of independent token buckets keyed by bucket name.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	perMin  map[string]int
}

// New creates a limiter from a bucket -> tokens-per-minute table.
func New(perMinute map[string]int) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*rate.Limiter, len(perMinute)),
		perMin:  make(map[string]int, len(perMinute)),
	}
	for name, n := range perMinute {
		l.register(name, n)
	}
	return l
}

func (l *Limiter) register(name string, perMinute int) {
	if perMinute <= 0 {
		perMinute = 1
	}
	// Burst of one: tokens are spaced evenly across the minute, so the
	// sliding-window budget holds even at the window edges.
	l.buckets[name] = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)
	l.perMin[name] = perMinute
}

// get resolves a bucket, falling back to "default", creating an unlimited
// conservative bucket as last resort.
func (l *Limiter) get(name string) *rate.Limiter {
	l.mu.RLock()
	b, ok := l.buckets[name]
	if !ok {
		b, ok = l.buckets[defaultBucket]
	}
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[name]; ok {
		return b
	}
	l.register(name, 60)
	return l.buckets[name]
}

// Acquire blocks until n tokens are available in the bucket or the context is
// done.
func (l *Limiter) Acquire(ctx context.Context, bucket string, n int) error {
	return l.get(bucket).WaitN(ctx, n)
}

// TryAcquire takes n tokens if immediately available.
func (l *Limiter) TryAcquire(bucket string, n int) bool {
	return l.get(bucket).AllowN(time.Now(), n)
}

// Rate returns the configured tokens-per-minute for a bucket (0 when
// unknown).
func (l *Limiter) Rate(bucket string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.perMin[bucket]
}

// SetRate re-points a bucket at a new tokens-per-minute rate. Waiting callers
// observe the new rate on their next reservation.
func (l *Limiter) SetRate(bucket string, perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[bucket]; ok && perMinute > 0 {
		b.SetLimit(rate.Limit(float64(perMinute) / 60.0))
		l.perMin[bucket] = perMinute
		return
	}
	l.register(bucket, perMinute)
}
