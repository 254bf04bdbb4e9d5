package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"exchange-core/internal/creds"
	"exchange-core/internal/events"
	"exchange-core/internal/ledger"
	"exchange-core/pkg/db"
	"exchange-core/pkg/exchanges/common"
	"exchange-core/pkg/rpc"
)

// fakeGateway answers get_order_history with a canned order list and
// records the start_time each request asked for.
type fakeGateway struct {
	mu         sync.Mutex
	orders     []common.Order
	failWith   error
	startTimes []int64
	calls      int
}

func (f *fakeGateway) Submit(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.startTimes = append(f.startTimes, req.Params.Int64("start_time"))
	if f.failWith != nil {
		return rpc.Fail(req.ID, f.failWith, time.Millisecond), nil
	}
	return rpc.OK(req.ID, f.orders, time.Millisecond), nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeGateway) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

type fixture struct {
	svc     *Service
	gw      *fakeGateway
	queries *db.Queries
	book    *ledger.Book
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	queries := database.Queries()
	store := creds.NewStore(queries, time.Minute)
	book := ledger.NewBook(queries)
	bus := events.NewBus()
	gw := &fakeGateway{}

	svc := New(gw, book, queries, store, bus, Config{
		PollInterval:    time.Second,
		HistoryLimit:    50,
		HistoryLookback: 5 * time.Minute,
		RequestTimeout:  5 * time.Second,
	})
	return &fixture{svc: svc, gw: gw, queries: queries, book: book, bus: bus}
}

func fill(id string, side common.Side, qty, price float64, at int64) common.Order {
	return common.Order{
		ExchangeOrderID: id,
		Symbol:          "BTCUSDT",
		Side:            side,
		Status:          common.StatusFilled,
		Quantity:        qty,
		FilledQuantity:  qty,
		AvgFillPrice:    price,
		UpdatedAt:       at,
	}
}

func TestSyncAccountAppliesFillsAndAdvancesCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gw.orders = []common.Order{
		// Deliberately out of order; the pass must sort oldest first.
		fill("b", common.SideBuy, 1, 110, 2000),
		fill("a", common.SideBuy, 1, 100, 1000),
		// Open orders in the window must be ignored.
		{ExchangeOrderID: "open", Symbol: "BTCUSDT", Side: common.SideBuy,
			Status: common.StatusNew, Quantity: 1, UpdatedAt: 3000},
	}

	trades, unsub := f.bus.Subscribe(events.EventNewTradeDetected, 10)
	defer unsub()

	require.NoError(t, f.svc.SyncAccount(ctx, 1))

	pos, err := f.queries.GetPosition(ctx, 1, "BTCUSDT")
	require.NoError(t, err)
	require.InDelta(t, 2.0, pos.Qty, 1e-9)
	require.InDelta(t, 105.0, pos.AvgPrice, 1e-9)

	cp, err := f.queries.GetCheckpoint(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2000), cp.LastFillAt)

	require.Len(t, trades, 2)
}

func TestSyncAccountReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gw.orders = []common.Order{fill("a", common.SideBuy, 1, 100, 1000)}
	require.NoError(t, f.svc.SyncAccount(ctx, 1))

	// Same history again, as after a crash between apply and poll.
	require.NoError(t, f.svc.SyncAccount(ctx, 1))

	pos, err := f.queries.GetPosition(ctx, 1, "BTCUSDT")
	require.NoError(t, err)
	require.InDelta(t, 1.0, pos.Qty, 1e-9)

	execs, err := f.book.Executions(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
}

func TestSyncAccountPollsFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gw.orders = []common.Order{fill("a", common.SideBuy, 1, 100, 5000)}
	require.NoError(t, f.svc.SyncAccount(ctx, 1))
	require.NoError(t, f.svc.SyncAccount(ctx, 1))

	require.Equal(t, 2, f.gw.calls)
	// First pass uses the lookback window; the second starts at the
	// checkpoint.
	require.Equal(t, int64(5000), f.gw.startTimes[1])
}

func TestSyncAccountCheckpointNeverRegresses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.gw.orders = []common.Order{fill("a", common.SideBuy, 1, 100, 9000)}
	require.NoError(t, f.svc.SyncAccount(ctx, 1))

	// A manual resync that surfaces only older fills must not move the
	// watermark backwards.
	f.gw.orders = []common.Order{fill("old", common.SideBuy, 1, 100, 4000)}
	require.NoError(t, f.svc.SyncAccount(ctx, 1))

	cp, err := f.queries.GetCheckpoint(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(9000), cp.LastFillAt)
}

func TestSyncAccountPartialFillNotApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	partial := fill("p", common.SideBuy, 2, 100, 1000)
	partial.Status = common.StatusPartial
	partial.FilledQuantity = 1
	f.gw.orders = []common.Order{partial}

	require.NoError(t, f.svc.SyncAccount(ctx, 1))

	pos, err := f.queries.GetPosition(ctx, 1, "BTCUSDT")
	require.NoError(t, err)
	require.Zero(t, pos.Qty)
}

// A credential the exchange rejects parks the polling loop; only a
// rotation wakes it back up.
func TestAccountLoopPausesOnRejectedCredentials(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	ctx := context.Background()
	queries := database.Queries()
	store := creds.NewStore(queries, time.Nanosecond)
	cred := db.Credential{AccountID: 1, Exchange: "binance", APIKey: "k", APISecret: "s", Active: true}
	require.NoError(t, queries.UpsertCredential(ctx, cred))

	gw := &fakeGateway{failWith: common.NewError(common.KindAuth, "binance", "key revoked")}
	svc := New(gw, ledger.NewBook(queries), queries, store, events.NewBus(), Config{
		PollInterval:    2 * time.Millisecond,
		HistoryLimit:    10,
		HistoryLookback: time.Minute,
		RequestTimeout:  time.Second,
	})

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	svc.wg.Add(1)
	go svc.accountLoop(loopCtx, 1)

	require.Eventually(t, func() bool { return gw.callCount() == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, gw.callCount(), "paused loop must not keep polling")

	// Rotation bumps the credential version and the loop resumes.
	gw.setFail(nil)
	require.NoError(t, queries.UpsertCredential(ctx, cred))
	require.Eventually(t, func() bool { return gw.callCount() > 1 }, time.Second, 2*time.Millisecond)

	stop()
	svc.Wait()
}
