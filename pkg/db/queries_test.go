package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Queries {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return database.Queries()
}

func TestCredentialLifecycle(t *testing.T) {
	ctx := context.Background()
	q := newTestDB(t)

	if _, err := q.GetCredential(ctx, 1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	cred := Credential{
		AccountID: 1,
		Exchange:  "binance",
		APIKey:    "key",
		APISecret: "secret",
		Active:    true,
	}
	if err := q.UpsertCredential(ctx, cred); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := q.GetCredential(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("version=%d, expected 1", got.Version)
	}

	t.Run("rotation bumps version", func(t *testing.T) {
		cred.APISecret = "rotated"
		if err := q.UpsertCredential(ctx, cred); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		got, err := q.GetCredential(ctx, 1)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Version != 2 {
			t.Fatalf("version=%d, expected 2", got.Version)
		}
		if got.APISecret != "rotated" {
			t.Fatalf("secret not updated")
		}
	})

	t.Run("active account listing", func(t *testing.T) {
		ids, err := q.ListActiveAccounts(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(ids) != 1 || ids[0] != 1 {
			t.Fatalf("ids=%v", ids)
		}

		if err := q.SetAccountActive(ctx, 1, false); err != nil {
			t.Fatalf("deactivate: %v", err)
		}
		ids, err = q.ListActiveAccounts(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(ids) != 0 {
			t.Fatalf("expected no active accounts, got %v", ids)
		}
	})

	t.Run("deactivating unknown account", func(t *testing.T) {
		if err := q.SetAccountActive(ctx, 99, false); err != ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRecordExecutionDuplicate(t *testing.T) {
	ctx := context.Background()
	q := newTestDB(t)

	exec := Execution{
		ID:              "e-1",
		AccountID:       1,
		ExchangeOrderID: "o-1",
		Symbol:          "BTCUSDT",
		Side:            "BUY",
		Quantity:        1,
		AvgFillPrice:    100,
		PnLMethod:       "price_averaging",
		ResultingQty:    1,
		ExecutedAt:      time.Now(),
	}
	pos := Position{AccountID: 1, Symbol: "BTCUSDT", Qty: 1, AvgPrice: 100, LastExecutionID: "e-1"}

	if err := q.RecordExecution(ctx, exec, pos); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Same exchange order id, different execution id: the unique index
	// must reject it and the position must be unchanged.
	exec.ID = "e-2"
	pos.Qty = 99
	if err := q.RecordExecution(ctx, exec, pos); err != ErrDuplicateExecution {
		t.Fatalf("expected ErrDuplicateExecution, got %v", err)
	}

	got, err := q.GetPosition(ctx, 1, "BTCUSDT")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if got.Qty != 1 {
		t.Fatalf("position mutated by rejected duplicate: qty=%v", got.Qty)
	}

	exists, err := q.ExecutionExists(ctx, 1, "o-1")
	if err != nil || !exists {
		t.Fatalf("exists=%v err=%v", exists, err)
	}
}

func TestCheckpointAdvanceOnly(t *testing.T) {
	ctx := context.Background()
	q := newTestDB(t)

	cp, err := q.GetCheckpoint(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cp.LastFillAt != 0 {
		t.Fatalf("fresh checkpoint=%d", cp.LastFillAt)
	}

	if err := q.AdvanceCheckpoint(ctx, 1, 5000); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := q.AdvanceCheckpoint(ctx, 1, 3000); err != nil {
		t.Fatalf("advance: %v", err)
	}

	cp, err = q.GetCheckpoint(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cp.LastFillAt != 5000 {
		t.Fatalf("checkpoint regressed: %d", cp.LastFillAt)
	}
}

func TestGetPositionMissingReturnsZeroValue(t *testing.T) {
	ctx := context.Background()
	q := newTestDB(t)

	pos, err := q.GetPosition(ctx, 42, "ETHUSDT")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pos.AccountID != 42 || pos.Symbol != "ETHUSDT" || pos.Qty != 0 {
		t.Fatalf("unexpected zero position: %+v", pos)
	}
}
