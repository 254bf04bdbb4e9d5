// Package reconcile polls exchange order history per account, applies
// newly filled orders to the ledger and advances the per-account
// checkpoint once their execution records are durable. Polling goes
// through the gateway so reconciliation spends the same rate budget as
// user traffic.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"exchange-core/internal/creds"
	"exchange-core/internal/events"
	"exchange-core/internal/ledger"
	"exchange-core/internal/metrics"
	"exchange-core/pkg/db"
	"exchange-core/pkg/exchanges/common"
	"exchange-core/pkg/rpc"
)

// Gateway is the submit surface the reconciler depends on.
type Gateway interface {
	Submit(ctx context.Context, req rpc.Request) (rpc.Response, error)
}

// Config holds reconciler settings.
type Config struct {
	PollInterval    time.Duration
	PollJitter      time.Duration
	HistoryLimit    int
	HistoryLookback time.Duration // initial window for never-reconciled accounts
	RequestTimeout  time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    10 * time.Second,
		PollJitter:      2 * time.Second,
		HistoryLimit:    50,
		HistoryLookback: 5 * time.Minute,
		RequestTimeout:  30 * time.Second,
	}
}

// Service supervises one polling loop per active account.
type Service struct {
	cfg     Config
	gw      Gateway
	book    *ledger.Book
	queries *db.Queries
	store   *creds.Store
	bus     *events.Bus

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	wg      sync.WaitGroup

	syncMu  sync.Mutex
	syncing map[int64]*sync.Mutex
}

// New creates the reconciliation service.
func New(gw Gateway, book *ledger.Book, queries *db.Queries, store *creds.Store, bus *events.Bus, cfg Config) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.HistoryLookback <= 0 {
		cfg.HistoryLookback = 5 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Service{
		cfg:     cfg,
		gw:      gw,
		book:    book,
		queries: queries,
		store:   store,
		bus:     bus,
		running: make(map[int64]context.CancelFunc),
		syncing: make(map[int64]*sync.Mutex),
	}
}

// Start refreshes the active account set and keeps one polling loop per
// account until ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.refresh(ctx)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.stopAll()
				return
			case <-ticker.C:
				s.refresh(ctx)
			}
		}
	}()
}

// Wait blocks until all loops have exited.
func (s *Service) Wait() { s.wg.Wait() }

// refresh reconciles the running loop set against the active account list.
func (s *Service) refresh(ctx context.Context) {
	ids, err := s.store.ActiveAccounts(ctx)
	if err != nil {
		log.Printf("reconcile: list accounts: %v", err)
		return
	}
	active := make(map[int64]bool, len(ids))
	for _, id := range ids {
		active[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.running {
		if !active[id] {
			cancel()
			delete(s.running, id)
		}
	}
	for _, id := range ids {
		if _, ok := s.running[id]; ok {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		s.running[id] = cancel
		s.wg.Add(1)
		go s.accountLoop(loopCtx, id)
	}
}

func (s *Service) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.running {
		cancel()
		delete(s.running, id)
	}
}

// accountLoop polls one account on a jittered interval. Consecutive
// failures stretch the interval so a broken account cannot spam its
// exchange budget. Rejected credentials park the loop entirely; only a
// credential rotation wakes it up again.
func (s *Service) accountLoop(ctx context.Context, accountID int64) {
	defer s.wg.Done()
	failures := 0
	disabledVersion := 0
	for {
		interval := s.cfg.PollInterval
		if s.cfg.PollJitter > 0 {
			interval += time.Duration(rand.Int63n(int64(s.cfg.PollJitter)))
		}
		if failures > 0 {
			backoff := interval * time.Duration(1<<min(failures, 4))
			interval = backoff
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if disabledVersion > 0 {
			cred, err := s.store.Get(ctx, accountID)
			if err != nil || cred.Version == disabledVersion {
				continue
			}
			disabledVersion = 0
			failures = 0
		}

		if err := s.SyncAccount(ctx, accountID); err != nil {
			failures++
			metrics.ReconcileRuns.WithLabelValues("error").Inc()
			if common.KindOf(err) == common.KindAuth {
				if cred, cerr := s.store.Get(ctx, accountID); cerr == nil {
					disabledVersion = cred.Version
				}
				log.Printf("reconcile account %d: credentials rejected, pausing until rotation", accountID)
				continue
			}
			log.Printf("reconcile account %d: %v", accountID, err)
		} else {
			failures = 0
			metrics.ReconcileRuns.WithLabelValues("ok").Inc()
		}
	}
}

// SyncAccount runs one reconciliation pass: fetch order history since the
// checkpoint, apply filled orders oldest first, then advance the
// checkpoint to the newest durably recorded fill. A crash between apply
// and advance only causes a harmless replay on the next pass. Manual
// resyncs take the same per-account lock as the scheduled loop, so two
// passes never interleave for one account.
func (s *Service) SyncAccount(ctx context.Context, accountID int64) error {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	cp, err := s.queries.GetCheckpoint(opCtx, accountID)
	if err != nil {
		return err
	}
	start := cp.LastFillAt
	if start == 0 {
		start = time.Now().Add(-s.cfg.HistoryLookback).UnixMilli()
	}

	req := rpc.NewRequest(rpc.ActionGetOrderHistory, accountID, rpc.Params{
		"start_time": start,
		"limit":      s.cfg.HistoryLimit,
	})
	resp, err := s.gw.Submit(opCtx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		// Keep the kind so the loop can tell rejected credentials apart
		// from transient failures.
		return common.NewError(resp.Error.Kind, "", "history fetch failed: "+resp.Error.Message)
	}

	orders, err := asOrders(resp.Data)
	if err != nil {
		return err
	}

	fills := orders[:0:0]
	for _, o := range orders {
		if o.Status == common.StatusFilled && o.FilledQuantity > 0 {
			fills = append(fills, o)
		}
	}
	// Oldest first so averaging sees fills in execution order.
	sort.Slice(fills, func(i, j int) bool { return fills[i].UpdatedAt < fills[j].UpdatedAt })

	var maxFillAt int64
	touched := make(map[string]db.Position)
	for _, o := range fills {
		pos, applied, err := s.book.ApplyFill(opCtx, accountID, o)
		if err != nil {
			// Stop here; the checkpoint must not move past an unrecorded fill.
			return err
		}
		if o.UpdatedAt > maxFillAt {
			maxFillAt = o.UpdatedAt
		}
		if !applied {
			metrics.FillsDuplicate.Inc()
			continue
		}
		metrics.FillsApplied.Inc()
		touched[o.Symbol] = pos
		s.bus.Publish(events.Notification{
			Type:      events.EventNewTradeDetected,
			AccountID: accountID,
			Symbol:    o.Symbol,
			Payload:   o,
			Timestamp: time.Now().UnixMilli(),
		})
	}

	if maxFillAt > cp.LastFillAt {
		if err := s.queries.AdvanceCheckpoint(opCtx, accountID, maxFillAt); err != nil {
			return err
		}
	}

	// One pnl update per symbol per pass, after the whole batch settled.
	for symbol, pos := range touched {
		s.bus.Publish(events.Notification{
			Type:      events.EventPositionPnLUpdate,
			AccountID: accountID,
			Symbol:    symbol,
			Payload:   pos,
			Timestamp: time.Now().UnixMilli(),
		})
	}
	return nil
}

// accountLock returns the sync mutex for one account, creating it on
// first use.
func (s *Service) accountLock(accountID int64) *sync.Mutex {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	lock, ok := s.syncing[accountID]
	if !ok {
		lock = &sync.Mutex{}
		s.syncing[accountID] = lock
	}
	return lock
}

// asOrders normalizes the response payload. In-process responses carry the
// typed slice; payloads that crossed a JSON boundary are re-decoded.
func asOrders(data any) ([]common.Order, error) {
	if orders, ok := data.([]common.Order); ok {
		return orders, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("unexpected history payload: %w", err)
	}
	var orders []common.Order
	if err := json.Unmarshal(raw, &orders); err != nil {
		return nil, fmt.Errorf("unexpected history payload: %w", err)
	}
	return orders, nil
}
