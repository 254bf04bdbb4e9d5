package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"exchange-core/internal/api"
	"exchange-core/internal/creds"
	"exchange-core/internal/events"
	"exchange-core/internal/gateway"
	"exchange-core/internal/ledger"
	"exchange-core/internal/pool"
	"exchange-core/internal/reconcile"
	"exchange-core/pkg/config"
	"exchange-core/pkg/db"
	"exchange-core/pkg/rpc"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("exchange core starting on port %s", cfg.Port)
	log.Printf("using database %s", cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	queries := database.Queries()

	credStore := creds.NewStore(queries, time.Minute)

	clientPool := pool.New(credStore, pool.DefaultFactory, pool.Config{
		IdleTTL: cfg.PoolIdleTTL,
	})
	clientPool.Start(ctx)
	defer clientPool.Close()

	// Exchange descriptors with hot reload
	exchanges, err := config.LoadExchanges(cfg.ExchangesFile)
	if err != nil {
		log.Fatalf("exchanges config failed: %v", err)
	}
	clientPool.ApplyOverrides(exchanges)
	if err := config.WatchExchanges(ctx, cfg.ExchangesFile, clientPool.ApplyOverrides); err != nil {
		log.Printf("exchanges watcher disabled: %v", err)
	}

	// Gateway
	store := rpc.NewStore(cfg.ResponseTTL)
	defer store.Close()
	gw := gateway.New(clientPool, store, bus, gateway.Config{
		Workers:        cfg.Workers,
		QueueSize:      cfg.QueueSize,
		RequestTimeout: cfg.RequestTimeout,
	})
	gw.Start(ctx)

	// Reconciler
	book := ledger.NewBook(queries)
	reconciler := reconcile.New(gw, book, queries, credStore, bus, reconcile.Config{
		PollInterval:    cfg.PollInterval,
		PollJitter:      cfg.PollJitter,
		HistoryLimit:    cfg.HistoryLimit,
		HistoryLookback: cfg.HistoryLookback,
		RequestTimeout:  cfg.RequestTimeout,
	})
	reconciler.Start(ctx)

	// Optional Redis fan-out
	if cfg.RedisAddr != "" {
		bridge, err := events.NewRedisBridge(ctx, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			log.Printf("redis bridge disabled: %v", err)
		} else {
			defer bridge.Close()
			bridge.Attach(ctx, bus,
				events.EventNewTradeDetected,
				events.EventPositionPnLUpdate,
				events.EventAccountInvalid,
			)
			log.Printf("redis bridge publishing to %s", cfg.RedisChannel)
		}
	}

	// HTTP API
	server := api.NewServer(bus, gw, store, book, clientPool, credStore, reconciler, cfg.JWTSecret)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: server.Router}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()
	log.Printf("listening on :%s", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	cancel()
	gw.Wait()
	reconciler.Wait()
	log.Println("stopped")
}
