package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-kb/internal/api"
	"github.com/nidhogg/nuka-kb/internal/builder"
	"github.com/nidhogg/nuka-kb/internal/chunker"
	"github.com/nidhogg/nuka-kb/internal/config"
	"github.com/nidhogg/nuka-kb/internal/heartbeat"
	"github.com/nidhogg/nuka-kb/internal/knowledge"
	"github.com/nidhogg/nuka-kb/internal/ledger"
	"github.com/nidhogg/nuka-kb/internal/orchestrator"
	pgstore "github.com/nidhogg/nuka-kb/internal/store"
	"github.com/nidhogg/nuka-kb/internal/token"
	"github.com/nidhogg/nuka-kb/internal/tracing"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/nuka-kb.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting nuka-kb...", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Insecure:    cfg.Tracing.Insecure,
	}, logger)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	// PostgreSQL: records + build history
	pgStore, err := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("PostgreSQL unavailable", zap.Error(err))
	}
	if err := pgStore.Migrate(ctx, cfg.Database.Postgres.Migrations); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Neo4j: artifacts written by the Builder
	artifacts, err := knowledge.NewStore(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
	if err != nil {
		logger.Fatal("Neo4j unavailable", zap.Error(err))
	}

	// Redis: build events and, optionally, the ledger
	var (
		bus       *orchestrator.EventBus
		publisher orchestrator.EventPublisher
		events    api.Events
	)
	if cfg.Database.Redis.URL != "" {
		bus, err = orchestrator.NewEventBus(ctx, cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without build events", zap.Error(err))
			bus = nil
		} else {
			publisher = bus
			events = bus
			logger.Info("Build event bus initialized")
		}
	}

	var ledgerBackend ledger.Backend
	switch cfg.Ledger.Backend {
	case "redis":
		if bus == nil {
			logger.Fatal("ledger backend redis requires database.redis")
		}
		ledgerBackend = ledger.NewRedisBackend(bus.Client())
	case "memory":
		logger.Warn("using in-memory ledger; ids are lost on restart")
		ledgerBackend = ledger.NewMemoryBackend()
	default:
		logger.Fatal("unknown ledger backend", zap.String("backend", cfg.Ledger.Backend))
	}
	ledgerClient := ledger.NewAsync(ledger.New(ledgerBackend, ledger.Options{
		MaxRetries:   cfg.Ledger.MaxRetries,
		WriteTimeout: cfg.Ledger.WriteTimeout.Std(),
	}, logger), logger)

	// Build pipeline
	estimator := token.New(cfg.Build.TokenEstimator, logger)
	bld := builder.NewHTTPClient(builder.Config{
		Endpoint:      cfg.Builder.Endpoint,
		APIKey:        cfg.Builder.APIKey,
		Timeout:       cfg.Builder.Timeout.Std(),
		RatePerMinute: cfg.Builder.RatePerMinute,
	}, logger)
	chunkBuilder := orchestrator.NewChunkBuilder(pgStore, pgStore, artifacts, bld, cfg.Builder.Timeout.Std(), logger)
	scheduler := orchestrator.NewScheduler(chunkBuilder, cfg.Build.Concurrency, logger)
	orch := orchestrator.New(pgStore, pgStore, artifacts, scheduler, chunker.Options{
		MaxRecords: cfg.Build.ChunkSize,
		MaxTokens:  cfg.Build.MaxTokens,
	}, estimator, publisher, logger)
	logger.Info("Build pipeline initialized",
		zap.Int("chunk_size", cfg.Build.ChunkSize),
		zap.Int("max_tokens", cfg.Build.MaxTokens),
		zap.Int("concurrency", cfg.Build.Concurrency))

	// Heartbeat: periodic incremental builds for owners with pending records
	var beater api.Beater
	if cfg.Heartbeat.Enabled {
		hb := heartbeat.New(cfg.Heartbeat.Interval.Std(), func(ctx context.Context, owner string) error {
			_, err := orch.RunIncremental(ctx, owner)
			return err
		}, pgStore.PendingOwners, logger)
		go hb.Run(ctx)
		beater = hb
	}

	handler := api.NewHandler(orch, pgStore, ledgerClient, events, beater, estimator, logger)
	handler.AddHealthCheck("postgres", pgStore.Ping)
	handler.AddHealthCheck("neo4j", artifacts.Ping)
	if bus != nil {
		handler.AddHealthCheck("redis", bus.Ping)
	}

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
		// Event streams end when the process is signalled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("nuka-kb listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	logger.Info("Shutting down nuka-kb...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	ledgerClient.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	artifacts.Close(shutdownCtx)
	if bus != nil {
		bus.Close()
	}
	pgStore.Close()
}

func newLogger(level string) *zap.Logger {
	var logger *zap.Logger
	if level == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	return logger
}
