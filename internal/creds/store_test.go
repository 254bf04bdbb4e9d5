package creds

import (
	"context"
	"testing"
	"time"

	"exchange-core/pkg/db"
)

func newStore(t *testing.T, ttl time.Duration) (*Store, *db.Queries) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	q := database.Queries()
	return NewStore(q, ttl), q
}

func TestStoreCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	s, q := newStore(t, time.Hour)

	seed := db.Credential{AccountID: 1, Exchange: "binance", APIKey: "k", APISecret: "s", Active: true}
	if err := q.UpsertCredential(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	first, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("version=%d", first.Version)
	}

	// Rotate behind the cache's back; the stale version is still served.
	if err := q.UpsertCredential(ctx, seed); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	cached, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cached.Version != 1 {
		t.Fatalf("expected cached version 1, got %d", cached.Version)
	}

	s.Invalidate(1)
	fresh, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fresh.Version != 2 {
		t.Fatalf("expected fresh version 2, got %d", fresh.Version)
	}
}

func TestStorePutBumpsAndInvalidates(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, time.Hour)

	cred := db.Credential{AccountID: 5, Exchange: "kraken", APIKey: "k", APISecret: "s", Active: true}
	if err := s.Put(ctx, cred); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, cred); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, 5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("version=%d, Put must not serve stale entries", got.Version)
	}
}

func TestStoreMissingAccount(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	if _, err := s.Get(context.Background(), 404); err != db.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
