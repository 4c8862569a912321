package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atmx/stake-engine/internal/api"
	"github.com/atmx/stake-engine/internal/config"
	"github.com/atmx/stake-engine/internal/limits"
	"github.com/atmx/stake-engine/internal/logging"
	"github.com/atmx/stake-engine/internal/staking"
	"github.com/atmx/stake-engine/internal/store"
	"github.com/atmx/stake-engine/internal/token"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		accessLog  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, accessLog)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	cmd.Flags().BoolVar(&accessLog, "access-log", false, "log every HTTP request")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, accessLog bool) error {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Service, cfg.Env, level)

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Token ledger and staking engine ---
	engine, ledger, err := bootstrap(ctx, cfg, st, wsHub, logger)
	if err != nil {
		return err
	}

	// --- HTTP router ---
	svc := api.NewService(engine, ledger, st, cfg.EngineAddress)
	router := api.NewRouter(svc, api.RouterOptions{
		Identity: api.NewIdentity(api.IdentityConfig{
			Secret: cfg.Auth.JWTSecret,
			Issuer: cfg.Auth.Issuer,
		}),
		Limiter:   api.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		Hub:       wsHub,
		AccessLog: accessLog,
	})
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no JWT secret configured, trusting the X-Account header")
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("stake-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down stake-engine")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	logger.Info("stake-engine stopped")
	return nil
}

// bootstrap rebuilds the token ledger and the staking engine from the store.
// The configured token allocations are paid only at genesis, when the store
// holds no ledger yet. Start-up is refused if the engine's ledger balance
// no longer covers the restored unsettled principal.
func bootstrap(ctx context.Context, cfg *config.Config, st store.Store, events staking.Emitter, logger *slog.Logger) (*staking.Engine, *token.Ledger, error) {
	ledger, err := token.New(token.Config{
		Name:          cfg.Token.Name,
		Symbol:        cfg.Token.Symbol,
		Decimals:      cfg.Token.Decimals,
		Owner:         cfg.Token.Owner,
		InitialSupply: cfg.Token.InitialSupply,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("token ledger: %w", err)
	}
	ledger.SetLogger(logger.With("component", "token"))

	persisted, err := st.LoadLedger(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load token ledger: %w", err)
	}
	if persisted != nil {
		if err := ledger.Restore(persisted); err != nil {
			return nil, nil, fmt.Errorf("restore token ledger: %w", err)
		}
		ledger.SetJournal(st)
		logger.Info("token ledger restored", "accounts", len(persisted.Balances), "supply", persisted.TotalSupply.String())
	} else {
		for _, a := range cfg.Token.Allocations {
			if err := ledger.Transfer(ledger.Owner(), a.Address, a.Amount); err != nil {
				return nil, nil, fmt.Errorf("token allocation to %s: %w", a.Address, err)
			}
		}
		ledger.SetJournal(st)
		if err := ledger.Checkpoint(ctx); err != nil {
			return nil, nil, fmt.Errorf("record token genesis: %w", err)
		}
		logger.Info("token ledger created", "allocations", len(cfg.Token.Allocations))
	}
	if events != nil {
		ledger.SetEmitter(events)
	}

	snap, err := st.LoadSnapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}
	engine, err := staking.NewEngine(token.NewCustody(ledger, cfg.EngineAddress), staking.Options{
		Pools:        cfg.Pools,
		Managers:     cfg.Managers,
		ReopenPolicy: cfg.ReopenPolicy,
		Limiter:      limits.NewDepositLimiter(cfg.Limits.MaxPerAccount, cfg.Limits.MaxPerCycle),
		Journal:      st,
		Emitter:      events,
		Logger:       logger.With("component", "staking"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("staking engine: %w", err)
	}
	if err := engine.Restore(snap); err != nil {
		return nil, nil, fmt.Errorf("restore engine: %w", err)
	}

	report, err := engine.Solvency(ctx, cfg.EngineAddress)
	if err != nil {
		return nil, nil, err
	}
	if !report.Solvent {
		return nil, nil, fmt.Errorf("engine insolvent after restore: %s holds %s, unsettled principal is %s",
			cfg.EngineAddress, report.LedgerBalance, report.OutstandingPrincipal)
	}
	logger.Info("engine restored",
		"cycles", len(snap.Cycles),
		"stakes", len(snap.Stakes),
		"policy", cfg.ReopenPolicy,
		"ledger_balance", report.LedgerBalance.String(),
	)
	return engine, ledger, nil
}

// openStore picks PostgreSQL (optionally behind Redis) when DATABASE_URL is
// configured and falls back to the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, []func(), error) {
	var cleanup []func()

	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), cleanup, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { _ = rdb.Close() })
		st = store.NewCachedStore(pg, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, cleanup, nil
}
