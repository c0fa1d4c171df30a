package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/walletledger/internal/api"
	"github.com/punchamoorthee/walletledger/internal/clock"
	"github.com/punchamoorthee/walletledger/internal/config"
	"github.com/punchamoorthee/walletledger/internal/gateway"
	"github.com/punchamoorthee/walletledger/internal/logger"
	"github.com/punchamoorthee/walletledger/internal/service"
	"github.com/punchamoorthee/walletledger/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	zl, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("Unable to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.RealClock{}

	// Initialize Layers
	var ledgerStore store.Store
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.DBSource)
		if err != nil {
			zl.Fatal("Unable to connect to database", zap.Error(err))
		}
		if err := pg.Migrate(ctx); err != nil {
			zl.Fatal("Unable to apply schema", zap.Error(err))
		}
		ledgerStore = pg
	default:
		zl.Warn("using in-memory store, balances will not survive a restart")
		ledgerStore = store.NewMemoryStore(clk)
	}
	defer ledgerStore.Close()

	var gw gateway.Gateway
	if cfg.Gateway.Mode == "sandbox" {
		zl.Warn("using sandbox payment processor")
		gw = gateway.NewSandbox()
	} else {
		gw = gateway.NewPaystack(gateway.PaystackConfig{
			BaseURL:   cfg.Gateway.BaseURL,
			SecretKey: cfg.Gateway.SecretKey,
			Currency:  cfg.Currency,
			Timeout:   cfg.Gateway.Timeout,
			RPS:       cfg.Gateway.RPS,
		}, zl)
	}

	ledger := service.NewLedger(ledgerStore, gw, clk, service.LedgerOptions{
		Currency:    cfg.Currency,
		MinAmount:   cfg.MinAmount,
		Tolerance:   cfg.AmountTolerance,
		CallbackURL: cfg.Gateway.CallbackURL,
	}, zl)
	ingestor := service.NewIngestor(ledgerStore, ledger, cfg.Webhook.Secret, zl)
	dispatcher := service.NewDispatcher(ingestor, cfg.Webhook.Workers, cfg.Webhook.Queue, zl)
	reconciler := service.NewReconciler(ledgerStore, gw, ledger, ingestor, clk, service.ReconcileOptions{
		WithdrawalInterval: cfg.Reconcile.WithdrawalInterval,
		SweepInterval:      cfg.Reconcile.SweepInterval,
		Grace:              cfg.Reconcile.Grace,
		Lookback:           cfg.Reconcile.Lookback,
		OrphanAfter:        cfg.Reconcile.OrphanAfter,
		Batch:              cfg.Reconcile.Batch,
		RPS:                cfg.Gateway.RPS,
	}, zl)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(api.NewHandler(ledger, ingestor, dispatcher, zl), cfg.JWTSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info("Server starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver), zap.String("gateway", cfg.Gateway.Mode))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		zl.Error("server stopped with error", zap.Error(err))
		return
	}
	zl.Info("server stopped")
}
