// Package creds resolves exchange credentials for accounts, with a small
// read-through cache in front of the database. Key material never leaves
// this package except inside a client constructor.
package creds

import (
	"context"
	"sync"
	"time"

	"exchange-core/pkg/db"
)

// Store caches credentials by account id. Entries expire quickly so an
// out-of-band credential rotation is picked up within one TTL.
type Store struct {
	queries *db.Queries
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[int64]cacheEntry
}

type cacheEntry struct {
	cred    db.Credential
	expires time.Time
}

// NewStore creates a credential store.
func NewStore(queries *db.Queries, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Store{
		queries: queries,
		ttl:     ttl,
		cache:   make(map[int64]cacheEntry),
	}
}

// Get returns the credential for an account, from cache when fresh.
func (s *Store) Get(ctx context.Context, accountID int64) (db.Credential, error) {
	s.mu.RLock()
	entry, ok := s.cache[accountID]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.cred, nil
	}

	cred, err := s.queries.GetCredential(ctx, accountID)
	if err != nil {
		return db.Credential{}, err
	}

	s.mu.Lock()
	s.cache[accountID] = cacheEntry{cred: *cred, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return *cred, nil
}

// Put stores a credential and drops the cached copy so the next Get sees
// the bumped version.
func (s *Store) Put(ctx context.Context, cred db.Credential) error {
	if err := s.queries.UpsertCredential(ctx, cred); err != nil {
		return err
	}
	s.Invalidate(cred.AccountID)
	return nil
}

// SetActive flips an account's active flag.
func (s *Store) SetActive(ctx context.Context, accountID int64, active bool) error {
	if err := s.queries.SetAccountActive(ctx, accountID, active); err != nil {
		return err
	}
	s.Invalidate(accountID)
	return nil
}

// Invalidate drops the cached entry for an account.
func (s *Store) Invalidate(accountID int64) {
	s.mu.Lock()
	delete(s.cache, accountID)
	s.mu.Unlock()
}

// ActiveAccounts returns the ids of all accounts with active credentials.
func (s *Store) ActiveAccounts(ctx context.Context) ([]int64, error) {
	return s.queries.ListActiveAccounts(ctx)
}
