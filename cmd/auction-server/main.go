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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aaronwang/live-auction/internal/archive"
	"github.com/aaronwang/live-auction/internal/auth"
	"github.com/aaronwang/live-auction/internal/bidding"
	"github.com/aaronwang/live-auction/internal/config"
	"github.com/aaronwang/live-auction/internal/handlers"
	"github.com/aaronwang/live-auction/internal/lifecycle"
	"github.com/aaronwang/live-auction/internal/logging"
	"github.com/aaronwang/live-auction/internal/metrics"
	"github.com/aaronwang/live-auction/internal/notify"
	redisbus "github.com/aaronwang/live-auction/internal/redis"
	"github.com/aaronwang/live-auction/internal/registry"
	"github.com/aaronwang/live-auction/internal/store"
	ws "github.com/aaronwang/live-auction/internal/websocket"
)

func main() {
	// Load configuration from app.env and environment variables
	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "auction-server")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("auction server failed")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger = logger.With().Str("node", nodeID).Logger()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// Several nodes share the store when the Redis bus is on
	var registryOpts []registry.Option
	if cfg.RedisAddr != "" {
		registryOpts = append(registryOpts, registry.WithRevalidation())
	}
	auctions := registry.New(st, registryOpts...)
	hub := notify.NewHub()
	dispatcher := notify.NewDispatcher(hub, notify.DispatcherConfig{
		Workers:   cfg.DispatchWorkers,
		QueueSize: cfg.DispatchQueue,
	}, logger, m)
	dispatcher.Start()
	defer dispatcher.Stop()

	// Local delivery always; the Redis bus and the archive when configured
	publishers := notify.Fanout{dispatcher}

	if cfg.RedisAddr != "" {
		rdb, err := redisbus.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		publishers = append(publishers, redisbus.NewPublisher(rdb, nodeID))

		bus := redisbus.NewSubscriber(rdb, nodeID, dispatcher, auctions, logger)
		go func() {
			if err := bus.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("redis bus stopped")
			}
		}()
		logger.Info().Str("addr", cfg.RedisAddr).Msg("relaying events over redis")
	}

	var archiver *archive.Publisher
	if cfg.NatsURL != "" {
		nc, err := archive.Connect(cfg.NatsURL, "auction-server-"+nodeID)
		if err != nil {
			return err
		}
		defer nc.Drain()

		archiver, err = archive.NewPublisher(ctx, nc, logger)
		if err != nil {
			return err
		}
		publishers = append(publishers, archiver)
		logger.Info().Str("url", cfg.NatsURL).Str("stream", archive.StreamName).Msg("archiving events")
	}

	sweeper := lifecycle.NewSweeper(auctions, st, publishers, lifecycle.Config{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
	}, logger, m)
	bids := bidding.NewService(auctions, publishers, logger, m,
		bidding.WithTimeout(cfg.BidTimeout),
		bidding.WithScheduler(sweeper),
	)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	manager := ws.NewManager(hub, bids, sweeper, logger, m)
	go manager.Run(ctx)
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("sweeper stopped")
		}
	}()

	handler := handlers.NewHandler(bids, sweeper, verifier,
		promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}), logger, cfg.BidTimeout)
	router := handler.SetupRoutes()
	ws.NewHandler(manager, verifier, cfg.BidTimeout).RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("store", cfg.StoreDriver).Msg("auction server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server forced to shutdown")
	}
	if archiver != nil {
		if err := archiver.Flush(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("archive not flushed")
		}
	}

	logger.Info().Msg("server stopped gracefully")
	return nil
}

// openStore returns the configured store, migrating Postgres first
func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn().Msg("using the in-memory store, state is lost on restart")
		return store.NewMemoryStore(), nil
	}

	if err := store.Migrate(cfg.MigrationURL, cfg.PostgresURL); err != nil {
		return nil, err
	}
	st, err := store.NewPostgresStore(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to postgres")
	return st, nil
}
