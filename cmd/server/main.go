/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the membership ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML, env, flags)
  2. Initialize logger and tracing
  3. Open the store (memory, SQLite or Postgres)
  4. Connect Redis when configured (change feed + notification outbox)
  5. Start the notification queue and the reconciliation scheduler
  6. Build the settlement coordinator, API handler and router
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: ledger.db)
           Use ":memory:" for an in-memory database
  -store   memory | sqlite | postgres

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (ShutdownTimeout)
  3. Stop the scheduler, drain the notification queue
  4. Flush traces, close Redis and the database
  5. Exit

EXAMPLES:
  # Run with file database
  JWT_SECRET=... ./server -db="./data/ledger.db"

  # Run against Postgres with row-locking settlements
  JWT_SECRET=... DATABASE_URL=postgres://... LEDGER_TRANSACTIONAL=true ./server -store=postgres

SEE ALSO:
  - config/config.go: All settings and environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/warp/membership-ledger/api"
	"github.com/warp/membership-ledger/config"
	"github.com/warp/membership-ledger/feed"
	"github.com/warp/membership-ledger/identity"
	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/ledger/store"
	"github.com/warp/membership-ledger/logger"
	"github.com/warp/membership-ledger/notify"
	"github.com/warp/membership-ledger/observability"
	"github.com/warp/membership-ledger/reconcile"
	"github.com/warp/membership-ledger/settlement"
	"github.com/warp/membership-ledger/store/postgres"
	"github.com/warp/membership-ledger/store/sqlite"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", "error", err)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx := context.Background()

	shutdownTracing, err := observability.InitOTel(ctx, log, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	// Initialize store
	base, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()
	log.Info("store ready", "driver", cfg.Store.Driver)

	// Redis carries the change feed and the notification outbox when set
	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		log.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	var changes feed.Feed = feed.NewMemory(64)
	var sender notify.Sender = notify.NewLogSender(log)
	if rdb != nil {
		changes = feed.NewRedis(rdb, cfg.Redis.FeedPrefix, log)
		sender = notify.NewRedisSender(rdb, cfg.Redis.OutboxKey)
	}
	ledgerStore := feed.Wrap(base, changes, log)

	queue := notify.NewQueue(sender, notify.QueueConfig{
		Workers:     cfg.Notify.Workers,
		Buffer:      cfg.Notify.Buffer,
		MaxAttempts: cfg.Notify.MaxAttempts,
	}, log)
	queue.Start(ctx)
	defer queue.Stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	locks := ledger.NewLocks()
	coord, err := settlement.New(settlement.Config{
		Store:               ledgerStore,
		Identity:            identity.ContextProvider{},
		Notifier:            queue,
		Locks:               locks,
		Logger:              log,
		Metrics:             settlement.NewMetrics(reg),
		Transactional:       cfg.Settlement.Transactional,
		StepTimeout:         cfg.Settlement.StepTimeout,
		CompensationTimeout: cfg.Settlement.CompensationTimeout,
		MaxConflictRetries:  cfg.Settlement.MaxConflictRetries,
	})
	if err != nil {
		return err
	}

	scheduler := reconcile.NewScheduler(ledgerStore, locks, log)
	scheduler.Enabled = cfg.Reconcile.Enabled
	scheduler.CheckInterval = cfg.Reconcile.Interval
	scheduler.Metrics = reconcile.NewMetrics(reg)
	scheduler.Start()
	defer scheduler.Stop()

	// Initialize handler
	handler := api.NewHandler(ledgerStore, coord, log)
	handler.Feed = changes
	handler.Reconciler = scheduler

	// Create router
	router := api.NewRouter(handler, api.RouterConfig{
		Auth:        identity.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		CORSOrigins: cfg.Server.CORSOrigins,
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:      log,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Server.Port, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// openStore returns the configured backend and its close function.
func openStore(ctx context.Context, cfg config.StoreConfig) (ledger.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "postgres":
		pg, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "sqlite", "":
		lite, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return lite, func() { lite.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
