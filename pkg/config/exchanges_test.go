package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadExchanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exchanges.yaml")
	content := `
exchanges:
  binance:
    rate_budget: 1200
    rate_window: 60s
    timeout: 10s
    cooldown: 30s
  kraken:
    rate_budget: 15
    rate_window: 45
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ex, err := LoadExchanges(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	b := ex.Exchanges["binance"]
	if b.RateBudget != 1200 {
		t.Fatalf("rate_budget=%d", b.RateBudget)
	}
	if b.RateWindow.Std() != time.Minute {
		t.Fatalf("rate_window=%v, duration strings must parse", b.RateWindow.Std())
	}
	if b.Cooldown.Std() != 30*time.Second {
		t.Fatalf("cooldown=%v", b.Cooldown.Std())
	}

	// Bare integers are read as seconds.
	k := ex.Exchanges["kraken"]
	if k.RateWindow.Std() != 45*time.Second {
		t.Fatalf("rate_window=%v, bare ints are seconds", k.RateWindow.Std())
	}
}

func TestLoadExchangesMissingFile(t *testing.T) {
	ex, err := LoadExchanges(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if len(ex.Exchanges) != 0 {
		t.Fatalf("expected empty set, got %d", len(ex.Exchanges))
	}
}

func TestLoadExchangesRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exchanges.yaml")
	if err := os.WriteFile(path, []byte("exchanges: [not a map"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadExchanges(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWatchExchangesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exchanges.yaml")
	if err := os.WriteFile(path, []byte("exchanges: {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reloaded := make(chan *Exchanges, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	err := WatchExchanges(ctx, path, func(ex *Exchanges) {
		select {
		case reloaded <- ex:
		default:
		}
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	// Give the watcher a moment before writing.
	time.Sleep(50 * time.Millisecond)
	update := "exchanges:\n  bitget:\n    rate_budget: 600\n"
	if err := os.WriteFile(path, []byte(update), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case ex := <-reloaded:
		if ex.Exchanges["bitget"].RateBudget != 600 {
			t.Fatalf("reloaded content wrong: %+v", ex.Exchanges)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never fired")
	}
}
