package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBudgetAdmitsWithinWindow(t *testing.T) {
	b := NewBudget(2, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	for i := 0; i < 2; i++ {
		if err := b.Wait(ctx); err != nil {
			t.Fatalf("call %d should be admitted: %v", i, err)
		}
	}
	// Third call exceeds the window and must block past the deadline.
	if err := b.Wait(ctx); err == nil {
		t.Fatal("exhausted budget should not admit before the deadline")
	}
}

// Many callers racing for one bucket must not squeeze out more than the
// configured budget inside the window.
func TestBudgetBoundsConcurrentCallers(t *testing.T) {
	b := NewBudget(5, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Wait(ctx) == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := admitted.Load(); n != 5 {
		t.Fatalf("admitted=%d concurrent calls, budget is 5 per window", n)
	}
}

func TestBudgetUnlimited(t *testing.T) {
	b := NewBudget(0, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		if err := b.Wait(ctx); err != nil {
			t.Fatalf("unlimited budget rejected call %d: %v", i, err)
		}
	}
}

func TestBudgetCooldownGate(t *testing.T) {
	b := NewBudget(100, time.Second)
	b.Cooldown(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Wait(ctx)
	if err == nil {
		t.Fatal("cooldown must gate the call")
	}
	if KindOf(err) != KindRateLimit {
		t.Fatalf("kind=%v, expected rate_limit", KindOf(err))
	}

	if _, _, cooling := b.Usage(); !cooling {
		t.Fatal("usage should report the cooldown gate")
	}
}

func TestBudgetReconfigure(t *testing.T) {
	b := NewBudget(1, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := b.Wait(ctx); err != nil {
		t.Fatalf("first call: %v", err)
	}
	b.Reconfigure(1000, time.Second)
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("reconfigured budget should admit: %v", err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed error", NewError(KindAuth, "binance", "bad key"), KindAuth},
		{"wrapped typed error", fmt.Errorf("outer: %w", NewError(KindRateLimit, "", "slow down")), KindRateLimit},
		{"deadline", context.DeadlineExceeded, KindConnectivity},
		{"plain error", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(NewError(KindValidation, "", "bad")) {
		t.Fatal("validation errors are never retryable")
	}
	if IsRetryable(NewError(KindAuth, "", "bad key")) {
		t.Fatal("auth errors are terminal")
	}
	if !IsRetryable(NewError(KindConnectivity, "", "down")) {
		t.Fatal("connectivity errors are retryable")
	}
	if !IsRetryable(NewError(KindPersistence, "", "disk")) {
		t.Fatal("persistence errors are retryable")
	}
}

func TestRetryDoStopsOnNonConnectivity(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Base: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return NewError(KindValidation, "", "bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls=%d, validation must not be retried", calls)
	}
}

func TestRetryDoRecoversConnectivity(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Base: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return NewError(KindConnectivity, "", "flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestTimeSyncOffset(t *testing.T) {
	serverAhead := int64(2500)
	ts := NewTimeSync(func(ctx context.Context) (int64, error) {
		return time.Now().UnixMilli() + serverAhead, nil
	})
	if err := ts.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	offset := ts.Offset()
	if offset < 2400 || offset > 2600 {
		t.Fatalf("offset=%d, expected about %d", offset, serverAhead)
	}
	now := ts.Now()
	local := time.Now().UnixMilli()
	if now-local < 2400 || now-local > 2600 {
		t.Fatalf("adjusted now off by %d", now-local)
	}
}
