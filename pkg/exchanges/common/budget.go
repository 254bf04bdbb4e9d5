package common

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Budget is a per-exchange token bucket sized to the exchange's documented
// call budget. Exhausted budgets make callers wait (bounded by their
// deadline) instead of firing; exchange-reported throttling applies a
// cooldown gate on top of the bucket.
type Budget struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	calls         int
	window        time.Duration
	cooldownUntil time.Time
}

// NewBudget allows calls per window. A zero or negative budget means
// unlimited.
func NewBudget(calls int, window time.Duration) *Budget {
	b := &Budget{}
	b.Reconfigure(calls, window)
	return b
}

// Reconfigure swaps the budget in place; used by config hot reload.
func (b *Budget) Reconfigure(calls int, window time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if window <= 0 {
		window = time.Minute
	}
	b.calls = calls
	b.window = window
	if calls <= 0 {
		b.limiter = rate.NewLimiter(rate.Inf, 1)
		return
	}
	b.limiter = rate.NewLimiter(rate.Limit(float64(calls)/window.Seconds()), calls)
}

// Wait blocks until one call is admitted or ctx expires. The cooldown gate
// is honored before the bucket.
func (b *Budget) Wait(ctx context.Context) error {
	b.mu.Lock()
	until := b.cooldownUntil
	limiter := b.limiter
	b.mu.Unlock()

	if d := time.Until(until); d > 0 {
		if dl, ok := ctx.Deadline(); ok && dl.Before(until) {
			return WrapError(KindRateLimit, "", "rate budget cooling down past deadline", context.DeadlineExceeded)
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return limiter.Wait(ctx)
}

// Cooldown gates all calls for d. Applied when the exchange itself reports
// throttling despite the local budget.
func (b *Budget) Cooldown(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(b.cooldownUntil) {
		b.cooldownUntil = until
	}
}

// Usage reports the configured budget and whether the gate is active.
func (b *Budget) Usage() (calls int, window time.Duration, coolingDown bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls, b.window, time.Now().Before(b.cooldownUntil)
}
