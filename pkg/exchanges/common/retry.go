package common

import (
	"context"
	"time"
)

// RetryPolicy bounds connectivity retries inside a protocol client.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultRetry matches the backoff the exchanges tolerate well in practice.
func DefaultRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: 250 * time.Millisecond, Max: 5 * time.Second}
}

// Do runs fn, retrying connectivity failures with exponential backoff.
// Validation, auth and rate-limit errors surface immediately; rate limits
// are the gateway's business, not the client's.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.Base
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if KindOf(err) != KindConnectivity || i == attempts-1 {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return WrapError(KindConnectivity, "", "canceled during retry backoff", ctx.Err())
		case <-t.C:
		}
		delay *= 2
		if p.Max > 0 && delay > p.Max {
			delay = p.Max
		}
	}
	return err
}
