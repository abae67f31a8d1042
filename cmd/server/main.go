// Package main is the entrypoint for the marketplace API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/botmarket/botmarket/internal/api"
	"github.com/botmarket/botmarket/internal/api/handler"
	mw "github.com/botmarket/botmarket/internal/api/middleware"
	"github.com/botmarket/botmarket/internal/api/response"
	"github.com/botmarket/botmarket/internal/cache"
	"github.com/botmarket/botmarket/internal/chain"
	"github.com/botmarket/botmarket/internal/config"
	"github.com/botmarket/botmarket/internal/escrow"
	"github.com/botmarket/botmarket/internal/events"
	"github.com/botmarket/botmarket/internal/job"
	"github.com/botmarket/botmarket/internal/store"
	"github.com/botmarket/botmarket/internal/x402"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepInterval   = time.Minute
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "network", cfg.Chain.Network, "demo_mode", cfg.Server.DemoMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the job store
	var jobStore store.Store
	if cfg.Database.URL != "" {
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")

		jobStore = store.NewPostgresStore(pool)
	} else {
		// DEMO_MODE without a database: jobs live in memory.
		jobStore = store.NewMemoryStore()
		slog.Warn("running with in-memory job store")
	}

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Connect the chain adapter
	var adapter chain.Adapter
	if !cfg.Server.DemoMode {
		solana, err := chain.NewSolanaClient(cfg.Chain, cfg.Escrow)
		if err != nil {
			return fmt.Errorf("create chain client: %w", err)
		}
		adapter = solana
		slog.Info("chain client initialized", "rpc", cfg.Chain.RPCURL, "network", cfg.Chain.Network)
	} else {
		slog.Warn("demo mode: on-chain verification disabled")
	}

	// 5. Event bus
	bus := events.NewBus()
	defer bus.Close()

	// 6. Services
	jobService := job.NewService(jobStore, bus, cfg.Jobs.Expiry)

	var coordinator *escrow.Coordinator
	if adapter != nil {
		coordinator = escrow.NewCoordinator(jobStore, adapter, jobService, redisCache, escrow.Config{
			EscrowWallet:   cfg.Escrow.Wallet,
			PlatformWallet: cfg.Escrow.PlatformWallet,
			Mint:           cfg.Chain.USDCMint,
			FeeBasisPoints: cfg.FeeBasisPoints(),
		})
	}

	// 7. Background expiry sweep
	var refunder job.Refunder
	if coordinator != nil {
		refunder = coordinator
	}
	sweeper := job.NewSweeper(jobService, refunder, sweepInterval)
	go sweeper.Run(ctx)

	// 8. Build router with dependencies
	jobsHandler := handler.NewJobs(jobService, escrowService(coordinator), handler.Config{
		EscrowWallet:      cfg.Escrow.Wallet,
		Mint:              cfg.Chain.USDCMint,
		ValidateAddress:   addressValidator(cfg.Server.DemoMode),
		ValidateSignature: signatureValidator(cfg.Server.DemoMode),
	})
	adminHandler := handler.NewAdmin(jobStore)

	paywall := x402.NewPaywall(jobService, releaser(coordinator), adapter, x402.Config{
		Network:        cfg.Chain.Network,
		Mint:           cfg.Chain.USDCMint,
		PlatformWallet: cfg.Escrow.PlatformWallet,
		FeeBasisPoints: cfg.FeeBasisPoints(),
	})

	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),
		Admin:     mw.NewAdmin(cfg.Admin.APIKey, cfg.Admin.AllowedIPs),

		HealthHandler: healthHandler(jobStore, redisCache),

		CreateJob:   jobsHandler.Create,
		DepositJob:  jobsHandler.Deposit,
		CancelJob:   jobsHandler.Cancel,
		ClaimJob:    jobsHandler.Claim,
		CompleteJob: jobsHandler.Complete,
		ListJobs:    jobsHandler.List,
		ListOpen:    jobsHandler.ListOpen,
		GetJob:      jobsHandler.Get,
		VerifyJob:   jobsHandler.Verify,
		VerifyHash:  jobsHandler.VerifyHash,

		GetResult: paywall.ServeResult,

		AdminEscrows: adminHandler.Escrows,
		AdminStats:   adminHandler.Stats,
	}
	if cfg.Server.DemoMode {
		deps.DemoActivate = jobsHandler.Activate
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// escrowService converts the concrete coordinator to the handler interface
// without wrapping a typed nil.
func escrowService(c *escrow.Coordinator) handler.EscrowService {
	if c == nil {
		return nil
	}
	return c
}

func releaser(c *escrow.Coordinator) x402.Releaser {
	if c == nil {
		return nil
	}
	return c
}

func addressValidator(demo bool) func(string) error {
	if demo {
		return nil
	}
	return chain.ValidateAddress
}

func signatureValidator(demo bool) func(string) error {
	if demo {
		return nil
	}
	return chain.ValidateSignature
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"store": "ok",
			"cache": "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["store"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["store"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
