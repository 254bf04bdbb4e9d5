package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"exchange-core/internal/creds"
	"exchange-core/pkg/config"
	"exchange-core/pkg/db"
	"exchange-core/pkg/exchanges/common"
)

// fakeClient satisfies common.Client without touching the network.
type fakeClient struct {
	name       string
	budget     int
	connectErr error
	closed     atomic.Bool
}

func (f *fakeClient) Name() string { return f.name }
func (f *fakeClient) Capabilities() common.Capabilities {
	budget := f.budget
	if budget == 0 {
		budget = 10
	}
	return common.Capabilities{Exchange: f.name, RateBudget: budget, RateWindow: time.Second}
}
func (f *fakeClient) TestConnection(ctx context.Context) error { return f.connectErr }
func (f *fakeClient) GetBalance(ctx context.Context) ([]common.AssetBalance, error) {
	return nil, nil
}
func (f *fakeClient) GetMarkets(ctx context.Context) ([]common.Market, error) { return nil, nil }
func (f *fakeClient) FetchTickers(ctx context.Context, symbols []string) ([]common.Ticker, error) {
	return nil, nil
}
func (f *fakeClient) GetOpenOrders(ctx context.Context, q common.OpenOrdersQuery) ([]common.Order, error) {
	return nil, nil
}
func (f *fakeClient) GetOrderHistory(ctx context.Context, q common.HistoryQuery) ([]common.Order, error) {
	return nil, nil
}
func (f *fakeClient) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	return common.OrderAck{}, nil
}
func (f *fakeClient) CancelOrder(ctx context.Context, orderID, symbol string) error { return nil }
func (f *fakeClient) Close() error {
	f.closed.Store(true)
	return nil
}

type harness struct {
	pool    *Pool
	store   *creds.Store
	queries *db.Queries
	created *atomic.Int32
}

func newHarness(t *testing.T, connectErr error) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	queries := database.Queries()
	// Cache TTL zero-ish so rotation tests observe fresh versions.
	store := creds.NewStore(queries, time.Nanosecond)

	created := &atomic.Int32{}
	factory := func(cred db.Credential) (common.Client, error) {
		created.Add(1)
		return &fakeClient{name: cred.Exchange, connectErr: connectErr}, nil
	}
	p := New(store, factory, DefaultConfig())
	return &harness{pool: p, store: store, queries: queries, created: created}
}

func seedCredential(t *testing.T, h *harness, accountID int64) {
	t.Helper()
	err := h.queries.UpsertCredential(context.Background(), db.Credential{
		AccountID: accountID,
		Exchange:  "binance",
		APIKey:    "k",
		APISecret: "s",
		Active:    true,
	})
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func TestPoolReusesClient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	seedCredential(t, h, 1)

	first, err := h.pool.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := h.pool.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first != second {
		t.Fatal("same account must share one entry")
	}
	if h.created.Load() != 1 {
		t.Fatalf("factory called %d times, expected 1", h.created.Load())
	}
}

func TestPoolConcurrentGetSingleFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	seedCredential(t, h, 1)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.pool.Get(ctx, 1); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()

	if h.created.Load() != 1 {
		t.Fatalf("factory called %d times, expected 1", h.created.Load())
	}
}

func TestPoolVerifyFailureNotCached(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, common.NewError(common.KindAuth, "binance", "bad key"))
	seedCredential(t, h, 1)

	if _, err := h.pool.Get(ctx, 1); err == nil {
		t.Fatal("verification failure must surface")
	}
	if h.pool.Snapshot().Total != 0 {
		t.Fatal("failed client must not be pooled")
	}
}

func TestPoolMarkInvalidTerminalUntilRotation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	seedCredential(t, h, 1)

	if _, err := h.pool.Get(ctx, 1); err != nil {
		t.Fatalf("get: %v", err)
	}
	h.pool.MarkInvalid(1)

	if _, err := h.pool.Get(ctx, 1); !errors.Is(err, ErrAccountInvalid) {
		t.Fatalf("expected ErrAccountInvalid, got %v", err)
	}

	// Rotating the credential bumps the version and clears the flag.
	seedCredential(t, h, 1)
	if _, err := h.pool.Get(ctx, 1); err != nil {
		t.Fatalf("rotated credential should recreate the client: %v", err)
	}
	if h.created.Load() != 2 {
		t.Fatalf("factory called %d times, expected 2", h.created.Load())
	}
}

func TestPoolRotationClosesOldClient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	seedCredential(t, h, 1)

	first, err := h.pool.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	seedCredential(t, h, 1) // bump version
	second, err := h.pool.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get after rotation: %v", err)
	}
	if first == second {
		t.Fatal("rotation must create a fresh entry")
	}
	if !first.Client.(*fakeClient).closed.Load() {
		t.Fatal("old client must be closed on rotation")
	}
}

// Two accounts on one exchange must drain the same bucket, so the
// exchange-wide call budget holds no matter how many accounts use it.
func TestPoolSharesBudgetPerExchange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	seedCredential(t, h, 1)
	seedCredential(t, h, 2)

	p := New(h.store, func(cred db.Credential) (common.Client, error) {
		return &fakeClient{name: cred.Exchange, budget: 1}, nil
	}, DefaultConfig())

	first, err := p.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get account 1: %v", err)
	}
	second, err := p.Get(ctx, 2)
	if err != nil {
		t.Fatalf("get account 2: %v", err)
	}
	if first.Budget != second.Budget {
		t.Fatal("accounts on one exchange must share the rate budget")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := first.Budget.Wait(waitCtx); err != nil {
		t.Fatalf("first call should be admitted: %v", err)
	}
	if err := second.Budget.Wait(waitCtx); err == nil {
		t.Fatal("second account must not get a fresh budget")
	}
}

func TestPoolInactiveAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	seedCredential(t, h, 1)
	if err := h.queries.SetAccountActive(ctx, 1, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if _, err := h.pool.Get(ctx, 1); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

// Exercised under the race detector: lifecycle flags and cooldowns are
// written by MarkInvalid and ApplyOverrides while Get and the gateway
// read them.
func TestPoolConcurrentLifecycleAccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	seedCredential(t, h, 1)
	seedCredential(t, h, 2)

	overrides := &config.Exchanges{Exchanges: map[string]config.ExchangeDescriptor{
		"binance": {Cooldown: config.Duration(time.Minute)},
	}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				entry, err := h.pool.Get(ctx, int64(1+n%2))
				if err == nil {
					_ = entry.Cooldown()
				}
				switch j % 4 {
				case 0:
					h.pool.MarkInvalid(2)
				case 1:
					h.pool.ApplyOverrides(overrides)
				case 2:
					h.pool.Snapshot()
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestPoolApplyOverrides(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	seedCredential(t, h, 1)

	entry, err := h.pool.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	h.pool.ApplyOverrides(&config.Exchanges{Exchanges: map[string]config.ExchangeDescriptor{
		"binance": {
			RateBudget: 5,
			RateWindow: config.Duration(2 * time.Second),
			Cooldown:   config.Duration(time.Minute),
		},
	}})

	if entry.Cooldown() != time.Minute {
		t.Fatalf("cooldown=%v, override not applied", entry.Cooldown())
	}
	calls, window, _ := entry.Budget.Usage()
	if calls != 5 || window != 2*time.Second {
		t.Fatalf("budget=%d/%v, override not applied", calls, window)
	}
}
