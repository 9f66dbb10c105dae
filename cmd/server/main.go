package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/brojonat/fogwatch/service/channel"
	"github.com/brojonat/fogwatch/service/config"
	"github.com/brojonat/fogwatch/service/db"
	"github.com/brojonat/fogwatch/service/events"
	"github.com/brojonat/fogwatch/service/ingest"
	"github.com/brojonat/fogwatch/service/kafka"
	"github.com/brojonat/fogwatch/service/liveness"
	"github.com/brojonat/fogwatch/service/metrics"
	natspkg "github.com/brojonat/fogwatch/service/nats"
	"github.com/brojonat/fogwatch/service/query"
	"github.com/brojonat/fogwatch/service/server"
)

// store is everything the ingestion and query sides need from persistence.
type store interface {
	ingest.Store
	query.Reader
	liveness.Recorder
}

func main() {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting fogwatch",
		"addr", cfg.ServerAddr,
		"storage", cfg.StorageBackend,
		"channel", cfg.ChannelBackend,
		"log_level", cfg.LogLevel,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("fogwatch exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	st, closeStore, err := openStore(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tracker, err := liveness.NewTracker(liveness.Config{
		FreshnessWindow:   cfg.FreshnessWindow,
		WarningMultiplier: cfg.WarningMultiplier,
	}, st)
	if err != nil {
		return fmt.Errorf("invalid liveness config: %w", err)
	}

	decoder := events.NewDecoder(cfg.TopicRaw, cfg.TopicResults, cfg.FeatureDimension)

	ingestCfg := ingest.DefaultConfig()
	ingestCfg.ReconnectInitialBackoff = cfg.ReconnectInitialBackoff
	ingestCfg.ReconnectMaxBackoff = cfg.ReconnectMaxBackoff
	ingestCfg.StorageRetryAttempts = cfg.StorageRetryAttempts
	ingestCfg.WriteTimeout = cfg.WriteTimeout

	coordinator := ingest.NewCoordinator(
		openChannel(cfg, registry, logger),
		decoder, st, tracker, ingestCfg,
		logger.With("component", "ingest"),
		ingest.WithMetrics(m),
	)

	if cfg.NodeRegistryFile != "" {
		reg, err := config.LoadRegistry(cfg.NodeRegistryFile)
		if err != nil {
			return err
		}
		if err := coordinator.SeedRegistry(ctx, registryParams(reg)); err != nil {
			return fmt.Errorf("failed to seed node registry: %w", err)
		}
		logger.Info("seeded node registry", "file", cfg.NodeRegistryFile, "nodes", len(reg.Nodes))
	}

	svc := query.NewService(st, tracker, m)
	httpServer := server.New(cfg.ServerAddr, svc, cfg.QueryCacheTTL, m, registry, logger.With("component", "http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Run(gctx)
	})
	g.Go(func() error {
		return httpServer.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (store, func(), error) {
	if cfg.StorageBackend == config.BackendMemory {
		logger.Warn("using in-memory storage; data is lost on restart")
		return db.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("connected to database")

	st := db.NewStore(pool).WithMetrics(m)
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool.Close, nil
}

func openChannel(cfg *config.Config, registry prometheus.Registerer, logger *slog.Logger) channel.Channel {
	if cfg.ChannelBackend == config.BackendKafka {
		return kafka.NewChannel(kafka.Config{
			Brokers: cfg.KafkaBrokers,
			Group:   cfg.KafkaGroup,
		}, registry, logger.With("component", "kafka"))
	}
	return natspkg.NewChannel(natspkg.Config{
		URL:      cfg.NATSURL,
		User:     cfg.NATSUser,
		Password: cfg.NATSPassword,
		Stream:   cfg.NATSStream,
		Consumer: cfg.NATSConsumer,
	}, logger.With("component", "nats"))
}

func registryParams(reg *config.Registry) []db.UpsertNodeParams {
	params := make([]db.UpsertNodeParams, 0, len(reg.Nodes))
	for _, n := range reg.Nodes {
		p := db.UpsertNodeParams{NodeID: n.ID}
		if n.Name != "" {
			p.Name = &n.Name
		}
		if n.Location != "" {
			p.Location = &n.Location
		}
		if n.Description != "" {
			p.Description = &n.Description
		}
		params = append(params, p)
	}
	return params
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
