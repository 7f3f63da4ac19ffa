// Package ratelimiter throttles bulk operations against a backend, such as
// orphan removal against an object store that bills or limits per request.
package ratelimiter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket limiting operations per second.
//
// A nil *Limiter is valid and never waits, so callers can hold an optional
// limiter without checking for nil.
//
// Thread safety:
// All methods are safe for concurrent use.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing perSecond operations per second with bursts
// of up to burst operations.
//
// Special cases:
//   - perSecond = 0: No limit, returns nil
//   - burst = 0: Burst defaults to perSecond
func New(perSecond, burst uint) *Limiter {
	if perSecond == 0 {
		return nil
	}
	if burst == 0 {
		burst = perSecond
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(burst)),
	}
}

// Allow consumes one token if available and reports whether it did.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

// WaitN blocks until n operations are allowed or ctx is cancelled.
//
// n may exceed the burst: the wait is split into burst-sized steps, so a
// large batch is admitted at the sustained rate instead of failing.
//
// Returns:
//   - nil once n tokens were consumed
//   - error wrapping the context error if ctx ended first
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return ctx.Err()
	}

	burst := l.limiter.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := l.limiter.WaitN(ctx, step); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("rate limit wait cancelled: %w", ctxErr)
			}
			return fmt.Errorf("rate limit wait: %w", err)
		}
		n -= step
	}
	return nil
}

// SetLimit changes the sustained rate. The burst follows the rate when it
// was equal to the old rate.
func (l *Limiter) SetLimit(perSecond uint) {
	if l == nil || perSecond == 0 {
		return
	}

	oldRate := int(l.limiter.Limit())
	l.limiter.SetLimit(rate.Limit(perSecond))
	if l.limiter.Burst() == oldRate {
		l.limiter.SetBurst(int(perSecond))
	}
}

// Limit returns the sustained rate (0 for a nil limiter).
func (l *Limiter) Limit() float64 {
	if l == nil {
		return 0
	}
	return float64(l.limiter.Limit())
}

// Burst returns the bucket capacity (0 for a nil limiter).
func (l *Limiter) Burst() int {
	if l == nil {
		return 0
	}
	return l.limiter.Burst()
}
