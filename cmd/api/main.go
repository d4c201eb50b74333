package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pesabridge/escrow-backend/internal/api"
	"github.com/pesabridge/escrow-backend/internal/auth"
	"github.com/pesabridge/escrow-backend/internal/config"
	"github.com/pesabridge/escrow-backend/internal/crypto"
	"github.com/pesabridge/escrow-backend/internal/db"
	"github.com/pesabridge/escrow-backend/internal/ledger"
	"github.com/pesabridge/escrow-backend/internal/logger"
	"github.com/pesabridge/escrow-backend/internal/metrics"
	"github.com/pesabridge/escrow-backend/internal/rails"
	"github.com/pesabridge/escrow-backend/internal/repository/postgres"
	"github.com/pesabridge/escrow-backend/internal/services"
	"github.com/pesabridge/escrow-backend/internal/settlement"
	"github.com/pesabridge/escrow-backend/internal/webhook"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("db connect", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if os.Getenv("APP_MIGRATE") == "true" {
		if err := db.RunMigrations(ctx, pool); err != nil {
			log.Error("migrations", "err", err)
			os.Exit(1)
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	cipher, err := crypto.New(cfg.PIIMasterKey)
	if err != nil {
		log.Error("pii cipher", "err", err)
		os.Exit(1)
	}

	// Sandbox rails; real provider clients are deployed separately and speak
	// the same interfaces.
	momo := rails.NewSandboxMobileMoney(129.50)
	chain := rails.NewSandboxChain()

	repos := postgres.NewRepositories(pool)
	engine := ledger.NewEngine(repos.Store, cfg.DailyLimitDefaultMinor, log)
	orch := settlement.NewOrchestrator(repos.Store, chain, momo, settlement.Options{
		Concurrency: cfg.SettleConcurrency,
		MaxAttempts: cfg.SettleMaxAttempts,
		Backoff:     cfg.SettleBackoff,
		RailTimeout: cfg.RailTimeout,
	}, log)
	defer orch.Stop()

	processor := webhook.NewProcessor(webhook.NewRedisDedup(rdb, cfg.WebhookDedupTTL), log)
	tokens := auth.NewTokenManager(cfg.JWTAccessSecret, cfg.JWTRefreshSecret, cfg.JWTIssuer)

	userSvc := services.NewUserService(repos.Users, repos.AuditLogs, cipher, tokens, log)
	fundingSvc := services.NewFundingService(repos.Store, repos.Users, momo, orch, cipher, services.FundingOptions{
		CapExemptCategories: cfg.CapExemptCategories,
		RailTimeout:         cfg.RailTimeout,
		ReconcileAfter:      cfg.ReconcileAfter,
	}, log)
	escrowSvc := services.NewEscrowService(repos.Store, repos.Users, engine, orch, cfg.CapExemptCategories, log)
	paymentSvc := services.NewPaymentService(repos.Store, engine, orch, cipher, log)

	go escrowSvc.RunExpirySweeper(ctx, cfg.ExpirySweepEvery)

	metrics.Init()
	r := api.NewRouter(api.RouterDeps{
		Cfg:      cfg,
		Users:    userSvc,
		Escrows:  escrowSvc,
		Funding:  fundingSvc,
		Payments: paymentSvc,
		Engine:   engine,
		Store:    repos.Store,
		Momo:     momo,
		Webhooks: processor,
		Tokens:   tokens,
		Log:      log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.HTTPPort, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
