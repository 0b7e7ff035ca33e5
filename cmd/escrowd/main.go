package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"escrowd/audit"
	"escrowd/config"
	"escrowd/gateway"
	"escrowd/ledger"
	"escrowd/native/receipt"
	"escrowd/native/settlement"
	"escrowd/notify"
	"escrowd/observability/logging"
	"escrowd/observability/metrics"
	"escrowd/recon"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service: "escrowd",
		Env:     cfg.Environment,
		File:    cfg.LogFile,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	m := metrics.New("escrowd")

	// Authoritative in-memory ledger, seeded from the configured genesis
	// allocations.
	led := ledger.New()
	for _, alloc := range cfg.Genesis {
		amount, ok := new(big.Int).SetString(alloc.Amount, 10)
		if !ok {
			logger.Error("invalid genesis amount", "account", alloc.Account, "amount", alloc.Amount)
			os.Exit(1)
		}
		led.Fund(settlement.AccountID(alloc.Account), amount)
	}

	trail, err := audit.NewSQLiteTrail(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		logger.Error("open audit trail", "error", err)
		os.Exit(1)
	}
	defer trail.Close()

	reconDB, err := recon.Open(filepath.Join(cfg.DataDir, "recon.db"))
	if err != nil {
		logger.Error("open reconciliation store", "error", err)
		os.Exit(1)
	}
	store := recon.NewStore(reconDB)

	registry := receipt.NewRegistry(led)

	admins := make(map[settlement.AccountID]bool, len(cfg.AdminAccounts))
	for _, account := range cfg.AdminAccounts {
		admins[settlement.AccountID(account)] = true
	}

	engine := settlement.NewEngine()
	engine.SetState(led)
	engine.SetMinter(registry.Minter())
	engine.SetTrail(trail)
	engine.SetMetrics(m)
	engine.SetLogger(logger)
	engine.SetAdminRefundDelay(cfg.AdminRefundDelay())
	engine.SetAdminChecker(func(account settlement.AccountID) bool { return admins[account] })
	engine.SetFeeConfig(settlement.FeeConfig{
		PlatformFeeBps: cfg.PlatformFeeBps,
		FeeRecipient:   settlement.AccountID(cfg.FeeRecipient),
	})
	if cfg.VaultAccount != "" {
		engine.SetVault(settlement.AccountID(cfg.VaultAccount))
	}

	webhook := notify.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, logger)

	reconciler, err := recon.NewReconciler(recon.Config{
		Store:     store,
		Ledger:    led,
		Trail:     trail,
		Notifier:  webhook,
		Metrics:   m,
		Lookback:  cfg.ReconLookback,
		BatchSize: cfg.ReconBatchSize,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("build reconciler", "error", err)
		os.Exit(1)
	}
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		Interval:   cfg.ReconInterval(),
		Logger:     logger,
	})

	idempotency, err := gateway.OpenIdempotencyStore(filepath.Join(cfg.DataDir, "idempotency.db"))
	if err != nil {
		logger.Error("open idempotency store", "error", err)
		os.Exit(1)
	}
	defer idempotency.Close()

	apiKeys := make([]gateway.APIKey, 0, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		apiKeys = append(apiKeys, gateway.APIKey{
			Key:     key.Key,
			Secret:  key.Secret,
			Account: settlement.AccountID(key.Account),
		})
	}

	server := gateway.NewServer(gateway.Config{
		Engine:      engine,
		Registry:    registry,
		Projections: store,
		Idempotency: idempotency,
		Auth:        gateway.NewAuthenticator(apiKeys, 0, 0, nil),
		Admin:       gateway.NewAdminVerifier([]byte(cfg.AdminTokenSecret), nil),
		Metrics:     m,
		MetricsPage: m.Handler(),
		RateLimit: gateway.RateLimit{
			RequestsPerMinute: cfg.RateLimitPerMinute,
			Burst:             cfg.RateLimitBurst,
		},
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go webhook.Start(ctx)
	go scheduler.Start(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	logger.Info("escrowd stopped")
}
