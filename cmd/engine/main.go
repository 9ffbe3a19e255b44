// Command engine runs the token reconciliation engine: it mints credentials,
// reconciles contributions and serves the ops API.
package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/token-ledger/internal/blindsig"
	"github.com/and161185/token-ledger/internal/config"
	"github.com/and161185/token-ledger/internal/issuerclient"
	"github.com/and161185/token-ledger/internal/migrate"
	"github.com/and161185/token-ledger/internal/model"
	"github.com/and161185/token-ledger/internal/ops"
	"github.com/and161185/token-ledger/internal/provider"
	"github.com/and161185/token-ledger/internal/repository/postgres"
	"github.com/and161185/token-ledger/internal/scheduler"
	"github.com/and161185/token-ledger/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, runs migrations, and starts the engine loop.
func main() {
	cfgPath := flag.String("config", "", "path to config.yaml (falls back to CONFIG_PATH)")
	rewardsOn := flag.Bool("rewards", true, "process contributions at all")
	acOn := flag.Bool("auto-contribute", true, "process auto-contribute contributions")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
	)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	logger.Info("configured",
		zap.String("environment", string(cfg.Environment)),
		zap.String("issuer", cfg.Issuer.BaseURL),
	)

	secret := os.Getenv("BLINDSIG_SECRET")
	if secret == "" {
		logger.Fatal("missing blind-signature secret (BLINDSIG_SECRET)")
	}
	scheme, err := blindsig.NewLocalScheme([]byte(secret))
	if err != nil {
		logger.Fatal("blindsig scheme", zap.Error(err))
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DB.DSN); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	db, err := postgres.New(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Fatal("postgres pool", zap.Error(err))
	}
	defer db.Close()

	// Repositories
	credsRepo := postgres.NewCredsRepo(db)
	tokenRepo := postgres.NewTokenRepo(db)
	contribRepo := postgres.NewContributionRepo(db)
	orderRepo := postgres.NewOrderRepo(db)
	extRepo := postgres.NewExternalTransactionRepo(db)
	promoRepo := postgres.NewPromotionRepo(db)
	flagRepo := postgres.NewFlagRepo(db)

	// External collaborators
	issuer := issuerclient.NewHTTPClient(cfg.Issuer.BaseURL)
	providers := make(map[model.Processor]provider.Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		proc := model.Processor(name)
		providers[proc] = provider.NewRESTProvider(proc, pc.BaseURL)
	}
	wallets := provider.NewMemoryWalletStore()

	// Services
	credsSvc := service.NewCredentialService(credsRepo, tokenRepo, promoRepo, flagRepo, issuer, scheme, logger)
	transferSvc := service.NewTransferService(extRepo, providers, wallets, logger)
	reconcileSvc := service.NewReconcileService(
		contribRepo, tokenRepo, orderRepo, credsSvc, issuer, scheme, transferSvc,
		rand.Float64,
		service.ReconcileOptions{
			MaxRetries:     cfg.Reconcile.MaxRetries,
			RewardsEnabled: *rewardsOn,
			AutoContribute: *acOn,
			FeeAddress:     cfg.Reconcile.FeeAddress,
			FeeRate:        cfg.Reconcile.FeeRate,
		},
		logger,
	)

	sched := scheduler.New(reconcileSvc, contribRepo,
		time.Duration(cfg.Reconcile.HousekeepingSec)*time.Second, logger)

	// one-shot creds verification sweep, guarded by a persisted flag
	go func() {
		if err := credsSvc.SweepCorrupted(ctx); err != nil {
			logger.Warn("corruption sweep", zap.Error(err))
		}
	}()

	// periodic promotion maintenance: pick up new announcements, expire stale ones
	go func() {
		interval := time.Duration(cfg.Reconcile.HousekeepingSec) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if added, err := credsSvc.RefreshPromotions(ctx); err != nil {
				logger.Warn("refresh promotions", zap.Error(err))
			} else if added > 0 {
				logger.Info("promotions added", zap.Int("count", added))
			}
			if n, err := credsSvc.ExpirePromotions(ctx); err != nil {
				logger.Warn("expire promotions", zap.Error(err))
			} else if n > 0 {
				logger.Info("promotions expired", zap.Int64("count", n))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	srv := ops.New(cfg.Ops.Addr, contribRepo, tokenRepo, sched, logger)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops listening", zap.String("addr", cfg.Ops.Addr))
		errCh <- srv.ListenAndServe()
	}()

	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops shutdown", zap.Error(err))
		}
		select {
		case <-schedDone:
		case <-time.After(5 * time.Second):
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
