// Package pool manages one live exchange client per account. Clients are
// created on first use, shared across concurrent requests, recreated when
// the credential version changes, and evicted after sitting idle.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"exchange-core/internal/creds"
	"exchange-core/internal/metrics"
	"exchange-core/pkg/config"
	"exchange-core/pkg/db"
	"exchange-core/pkg/exchanges/binance"
	"exchange-core/pkg/exchanges/bitget"
	"exchange-core/pkg/exchanges/common"
	"exchange-core/pkg/exchanges/kraken"
)

var (
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrAccountInvalid  = errors.New("account credential marked invalid")
	ErrAccountInactive = errors.New("account is inactive")
)

// Factory creates an exchange client from a credential.
type Factory func(cred db.Credential) (common.Client, error)

// DefaultFactory builds the real protocol clients.
func DefaultFactory(cred db.Credential) (common.Client, error) {
	switch strings.ToLower(cred.Exchange) {
	case "binance":
		return binance.New(binance.Config{
			APIKey:    cred.APIKey,
			APISecret: cred.APISecret,
			Testnet:   cred.Testnet,
		}), nil
	case "bitget":
		return bitget.New(bitget.Config{
			APIKey:     cred.APIKey,
			APISecret:  cred.APISecret,
			Passphrase: cred.Passphrase,
			Testnet:    cred.Testnet,
		}), nil
	case "kraken":
		return kraken.New(kraken.Config{
			APIKey:    cred.APIKey,
			APISecret: cred.APISecret,
		}), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, cred.Exchange)
}

// Entry is one pooled client with its rate budget and lifecycle metadata.
// The budget is shared by every account on the same exchange, so the
// exchange-wide call limit holds no matter how many accounts trade on it.
type Entry struct {
	Client   common.Client
	Budget   *common.Budget
	Exchange string

	cooldown  int64 // atomic, nanoseconds; applied when the exchange reports throttling
	version   int
	createdAt time.Time
	lastUsed  time.Time
	invalid   bool
}

// Cooldown returns the pause applied to the budget when the exchange
// itself reports throttling.
func (e *Entry) Cooldown() time.Duration {
	return time.Duration(atomic.LoadInt64(&e.cooldown))
}

func (e *Entry) setCooldown(d time.Duration) {
	atomic.StoreInt64(&e.cooldown, int64(d))
}

// Config holds pool settings.
type Config struct {
	IdleTTL         time.Duration
	CreateTimeout   time.Duration
	DefaultCooldown time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		IdleTTL:         30 * time.Minute,
		CreateTimeout:   15 * time.Second,
		DefaultCooldown: 30 * time.Second,
	}
}

// Pool holds at most one client per account.
type Pool struct {
	cfg     Config
	store   *creds.Store
	factory Factory

	mu        sync.Mutex
	entries   map[int64]*Entry
	locks     map[int64]*sync.Mutex     // per-account creation lock
	budgets   map[string]*common.Budget // one bucket per exchange
	overrides map[string]config.ExchangeDescriptor
}

// New creates a pool.
func New(store *creds.Store, factory Factory, cfg Config) *Pool {
	if factory == nil {
		factory = DefaultFactory
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 15 * time.Second
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 30 * time.Second
	}
	return &Pool{
		cfg:       cfg,
		store:     store,
		factory:   factory,
		entries:   make(map[int64]*Entry),
		locks:     make(map[int64]*sync.Mutex),
		budgets:   make(map[string]*common.Budget),
		overrides: make(map[string]config.ExchangeDescriptor),
	}
}

// Start runs the idle sweeper until ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.cfg.IdleTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweepIdle()
			}
		}
	}()
}

// Get returns the pooled client for an account, creating it on first use.
// Concurrent callers for the same account share one creation; different
// accounts never block each other.
func (p *Pool) Get(ctx context.Context, accountID int64) (*Entry, error) {
	lock := p.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := p.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !cred.Active {
		return nil, ErrAccountInactive
	}

	p.mu.Lock()
	entry, ok := p.entries[accountID]
	var current, invalid bool
	if ok {
		current = entry.version == cred.Version
		invalid = entry.invalid
		if current && !invalid {
			entry.lastUsed = time.Now()
		}
	}
	p.mu.Unlock()

	if ok {
		if current {
			if invalid {
				return nil, common.WrapError(common.KindAuth, entry.Exchange,
					"account credential marked invalid", ErrAccountInvalid)
			}
			return entry, nil
		}
		// Credential rotated; the old client signs with stale keys.
		p.Remove(accountID)
	}

	return p.create(ctx, cred)
}

// create builds, verifies and caches a client. Caller holds the account lock.
func (p *Pool) create(ctx context.Context, cred db.Credential) (*Entry, error) {
	client, err := p.factory(cred)
	if err != nil {
		return nil, err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	err = client.TestConnection(verifyCtx)
	cancel()
	if err != nil {
		client.Close()
		return nil, err
	}

	caps := client.Capabilities()
	budgetCalls, budgetWindow := caps.RateBudget, caps.RateWindow
	cooldown := p.cfg.DefaultCooldown

	p.mu.Lock()
	if ov, ok := p.overrides[caps.Exchange]; ok {
		if ov.RateBudget > 0 {
			budgetCalls = ov.RateBudget
		}
		if ov.RateWindow > 0 {
			budgetWindow = ov.RateWindow.Std()
		}
		if ov.Cooldown > 0 {
			cooldown = ov.Cooldown.Std()
		}
	}
	budget, ok := p.budgets[caps.Exchange]
	if !ok {
		// First client on this exchange sizes the shared bucket.
		budget = common.NewBudget(budgetCalls, budgetWindow)
		p.budgets[caps.Exchange] = budget
	}
	now := time.Now()
	entry := &Entry{
		Client:    client,
		Budget:    budget,
		Exchange:  caps.Exchange,
		version:   cred.Version,
		createdAt: now,
		lastUsed:  now,
	}
	entry.setCooldown(cooldown)
	p.entries[cred.AccountID] = entry
	metrics.PooledClients.Set(float64(len(p.entries)))
	p.mu.Unlock()

	return entry, nil
}

// MarkInvalid flags an account's client after an auth failure. The flag is
// terminal for this credential version; a rotated credential clears it by
// forcing a recreate.
func (p *Pool) MarkInvalid(accountID int64) {
	p.mu.Lock()
	if entry, ok := p.entries[accountID]; ok {
		entry.invalid = true
	}
	p.mu.Unlock()
	p.store.Invalidate(accountID)
}

// Remove closes and evicts one account's client.
func (p *Pool) Remove(accountID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[accountID]; ok {
		entry.Client.Close()
		delete(p.entries, accountID)
		metrics.PooledClients.Set(float64(len(p.entries)))
	}
}

// ApplyOverrides reconfigures live budgets and records the descriptors for
// clients created later. Called on config hot reload.
func (p *Pool) ApplyOverrides(ex *config.Exchanges) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.overrides = make(map[string]config.ExchangeDescriptor, len(ex.Exchanges))
	for name, d := range ex.Exchanges {
		p.overrides[strings.ToLower(name)] = d
	}
	for name, budget := range p.budgets {
		if ov, ok := p.overrides[name]; ok && ov.RateBudget > 0 && ov.RateWindow > 0 {
			budget.Reconfigure(ov.RateBudget, ov.RateWindow.Std())
		}
	}
	for _, entry := range p.entries {
		if ov, ok := p.overrides[entry.Exchange]; ok && ov.Cooldown > 0 {
			entry.setCooldown(ov.Cooldown.Std())
		}
	}
}

// Stats describes the pool for the admin API.
type Stats struct {
	Total      int            `json:"total"`
	ByExchange map[string]int `json:"by_exchange"`
	Invalid    int            `json:"invalid"`
}

// Snapshot returns current pool statistics.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Total: len(p.entries), ByExchange: make(map[string]int)}
	for _, entry := range p.entries {
		s.ByExchange[entry.Exchange]++
		if entry.invalid {
			s.Invalid++
		}
	}
	return s
}

// Close evicts everything.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, entry := range p.entries {
		entry.Client.Close()
		delete(p.entries, id)
	}
	metrics.PooledClients.Set(0)
}

func (p *Pool) accountLock(accountID int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[accountID] = lock
	}
	return lock
}

func (p *Pool) sweepIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for id, entry := range p.entries {
		if now.Sub(entry.lastUsed) > p.cfg.IdleTTL {
			entry.Client.Close()
			delete(p.entries, id)
		}
	}
	metrics.PooledClients.Set(float64(len(p.entries)))
}
