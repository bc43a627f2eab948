package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/stockdex/internal/config"
	"github.com/atmx/stockdex/internal/exchange"
	"github.com/atmx/stockdex/internal/metrics"
	"github.com/atmx/stockdex/internal/store"
	"github.com/atmx/stockdex/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envPath := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		slog.Error("invalid .env file", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.Log.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("store initialization failed", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()

	// --- Exchange ---
	ex := exchange.New(st,
		exchange.WithLogger(logger),
		exchange.WithNotifier(wsHub),
		exchange.WithSelfTrade(cfg.Exchange.AllowSelfTrade),
		exchange.WithDeposits(cfg.Exchange.AllowDeposits),
	)
	if err := ex.SyncMetrics(ctx); err != nil {
		slog.Error("metrics sync failed", "err", err)
		os.Exit(1)
	}
	tradeSvc := trade.NewService(ex)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", trade.SignerHeader},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"stockdex"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time ledger events.
		r.Get("/ws", wsHub.HandleWS)
		tradeSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		wsHub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		slog.Info("stockdex listening", "addr", srv.Addr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	// Graceful shutdown on signal or when the listener fails.
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		slog.Info("shutting down stockdex...")
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		slog.Error("server error", "err", err)
	}
	fmt.Println("stockdex stopped")
}

// openStore builds the configured backend, optionally fronted by Redis. The
// returned cleanup funcs run in reverse order.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, []func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)

	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool, cfg.MaxTxAttempts)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case config.DriverPebble:
		pb, err := store.NewPebbleStore(cfg.PebblePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { pb.Close() })
		st = pb
		slog.Info("opened Pebble ledger", "path", cfg.PebblePath)

	default:
		slog.Warn("using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		ms.SetMaxAttempts(cfg.MaxTxAttempts)
		st = ms
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, cleanup, nil
}
