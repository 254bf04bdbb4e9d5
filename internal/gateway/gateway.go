// Package gateway routes rpc requests to pooled exchange clients through a
// bounded queue and a fixed worker set. All responses, success or failure,
// land in the response store keyed by request id.
package gateway

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"exchange-core/internal/events"
	"exchange-core/internal/metrics"
	"exchange-core/internal/pool"
	"exchange-core/pkg/exchanges/common"
	"exchange-core/pkg/rpc"
)

// Config holds gateway settings.
type Config struct {
	Workers        int
	QueueSize      int
	RequestTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Workers: 8, QueueSize: 256, RequestTimeout: 30 * time.Second}
}

// Gateway is the single entry point for exchange operations.
type Gateway struct {
	cfg   Config
	pool  *pool.Pool
	store *rpc.Store
	bus   *events.Bus

	queue chan rpc.Request
	wg    sync.WaitGroup
}

// New creates a gateway.
func New(p *pool.Pool, store *rpc.Store, bus *events.Bus, cfg Config) *Gateway {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Gateway{
		cfg:   cfg,
		pool:  p,
		store: store,
		bus:   bus,
		queue: make(chan rpc.Request, cfg.QueueSize),
	}
}

// Start launches the worker set. Workers drain the queue until ctx is
// canceled; requests already queued at shutdown are still answered.
func (g *Gateway) Start(ctx context.Context) {
	for i := 0; i < g.cfg.Workers; i++ {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			for {
				select {
				case <-ctx.Done():
					g.drain()
					return
				case req := <-g.queue:
					metrics.QueueDepth.Set(float64(len(g.queue)))
					g.process(ctx, req)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (g *Gateway) Wait() { g.wg.Wait() }

// drain answers everything left in the queue with a shutdown error.
func (g *Gateway) drain() {
	for {
		select {
		case req := <-g.queue:
			g.store.Publish(rpc.Fail(req.ID,
				common.NewError(common.KindInternal, "", "gateway shutting down"), 0))
		default:
			return
		}
	}
}

// Enqueue validates a request and queues it for processing. The response
// arrives later in the store under the request id.
func (g *Gateway) Enqueue(req rpc.Request) error {
	if err := validate(req); err != nil {
		return err
	}
	g.store.Expect(req.ID)
	select {
	case g.queue <- req:
		metrics.QueueDepth.Set(float64(len(g.queue)))
		return nil
	default:
		return common.NewError(common.KindRateLimit, "", "request queue is full")
	}
}

// Submit queues a request and blocks for its response, bounded by ctx.
func (g *Gateway) Submit(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	if err := g.Enqueue(req); err != nil {
		return rpc.Response{}, err
	}
	resp, ok := g.store.Await(ctx, req.ID)
	if !ok {
		return rpc.Response{}, common.WrapError(common.KindConnectivity, "",
			"timed out waiting for response", ctx.Err())
	}
	return resp, nil
}

// process resolves the client, spends rate budget and dispatches. One
// retry is granted when the exchange reports throttling despite the local
// budget; the budget is put on cooldown first.
func (g *Gateway) process(ctx context.Context, req rpc.Request) {
	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	entry, err := g.pool.Get(opCtx, req.AccountID)
	if err != nil {
		g.finish(req, "", rpc.Fail(req.ID, err, time.Since(start)))
		return
	}

	data, err := g.dispatch(opCtx, entry, req)
	if err != nil && common.KindOf(err) == common.KindRateLimit {
		cooldown := entry.Cooldown()
		entry.Budget.Cooldown(cooldown)
		log.Printf("account %d: %s throttled, cooling down %s", req.AccountID, entry.Exchange, cooldown)
		data, err = g.dispatch(opCtx, entry, req)
	}

	if err != nil {
		// An account already flagged invalid fails in pool.Get; only a fresh
		// rejection flips the flag and alerts.
		if common.KindOf(err) == common.KindAuth && !errors.Is(err, pool.ErrAccountInvalid) {
			g.pool.MarkInvalid(req.AccountID)
			g.bus.Publish(events.Notification{
				Type:      events.EventAccountInvalid,
				AccountID: req.AccountID,
				Payload:   common.Message(err),
				Timestamp: time.Now().UnixMilli(),
			})
		}
		g.finish(req, entry.Exchange, rpc.Fail(req.ID, err, time.Since(start)))
		return
	}
	g.finish(req, entry.Exchange, rpc.OK(req.ID, data, time.Since(start)))
}

// finish publishes the response and records metrics.
func (g *Gateway) finish(req rpc.Request, exchange string, resp rpc.Response) {
	elapsed := time.Duration(resp.ProcessingTimeMs) * time.Millisecond
	metrics.ObserveRequest(string(req.Action), exchange, elapsed)
	if !resp.Success {
		metrics.ObserveError(string(req.Action), string(resp.Error.Kind))
	}
	g.store.Publish(resp)
	g.bus.Publish(events.Notification{
		Type:      events.EventRequestCompleted,
		AccountID: req.AccountID,
		Payload:   resp,
		Timestamp: time.Now().UnixMilli(),
	})
}

// dispatch spends one budget slot and runs the operation.
func (g *Gateway) dispatch(ctx context.Context, entry *pool.Entry, req rpc.Request) (any, error) {
	if err := entry.Budget.Wait(ctx); err != nil {
		return nil, err
	}

	client := entry.Client
	p := req.Params
	switch req.Action {
	case rpc.ActionTestConnection:
		if err := client.TestConnection(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"connected": true}, nil

	case rpc.ActionGetBalance:
		return client.GetBalance(ctx)

	case rpc.ActionGetMarkets:
		return client.GetMarkets(ctx)

	case rpc.ActionFetchTickers:
		return client.FetchTickers(ctx, p.Strings("symbols"))

	case rpc.ActionGetOpenOrders:
		return client.GetOpenOrders(ctx, common.OpenOrdersQuery{
			Symbol: p.String("symbol"),
			Limit:  int(p.Int64("limit")),
		})

	case rpc.ActionGetOrderHistory:
		return client.GetOrderHistory(ctx, common.HistoryQuery{
			Symbol:    p.String("symbol"),
			StartTime: p.Int64("start_time"),
			EndTime:   p.Int64("end_time"),
			Cursor:    p.String("cursor"),
			Limit:     int(p.Int64("limit")),
		})

	case rpc.ActionPlaceOrder:
		return client.PlaceOrder(ctx, common.OrderRequest{
			Symbol:        p.String("symbol"),
			Side:          common.Side(strings.ToUpper(p.String("side"))),
			Type:          common.OrderType(strings.ToUpper(p.String("type"))),
			Quantity:      p.Float("quantity"),
			Price:         p.Float("price"),
			ClientOrderID: p.String("client_order_id"),
		})

	case rpc.ActionCancelOrder:
		if err := client.CancelOrder(ctx, p.String("order_id"), p.String("symbol")); err != nil {
			return nil, err
		}
		return map[string]bool{"canceled": true}, nil
	}
	// Unreachable: Enqueue already rejected unknown actions.
	return nil, common.NewError(common.KindValidation, "", "unknown action "+string(req.Action))
}

// validate rejects malformed requests before they consume a queue slot or
// touch the network.
func validate(req rpc.Request) error {
	if req.ID == "" {
		return common.NewError(common.KindValidation, "", "request_id is required")
	}
	if !req.Action.Valid() {
		return common.NewError(common.KindValidation, "", "unknown action "+string(req.Action))
	}
	if req.AccountID <= 0 {
		return common.NewError(common.KindValidation, "", "account_id is required")
	}

	p := req.Params
	switch req.Action {
	case rpc.ActionPlaceOrder:
		if p.String("symbol") == "" {
			return common.NewError(common.KindValidation, "", "symbol is required")
		}
		side := common.Side(strings.ToUpper(p.String("side")))
		if side != common.SideBuy && side != common.SideSell {
			return common.NewError(common.KindValidation, "", "side must be BUY or SELL")
		}
		typ := common.OrderType(strings.ToUpper(p.String("type")))
		if typ != common.OrderTypeMarket && typ != common.OrderTypeLimit {
			return common.NewError(common.KindValidation, "", "type must be MARKET or LIMIT")
		}
		if p.Float("quantity") <= 0 {
			return common.NewError(common.KindValidation, "", "quantity must be positive")
		}
		if typ == common.OrderTypeLimit && p.Float("price") <= 0 {
			return common.NewError(common.KindValidation, "", "price must be positive for LIMIT orders")
		}
	case rpc.ActionCancelOrder:
		if p.String("order_id") == "" {
			return common.NewError(common.KindValidation, "", "order_id is required")
		}
	case rpc.ActionGetOrderHistory:
		if p.Int64("limit") < 0 {
			return common.NewError(common.KindValidation, "", "limit must not be negative")
		}
	}
	return nil
}
