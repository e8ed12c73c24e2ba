package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/aaronwang/live-auction/internal/archive"
	"github.com/aaronwang/live-auction/internal/config"
	"github.com/aaronwang/live-auction/internal/logging"
)

func main() {
	// Load configuration; the worker needs Postgres and NATS only
	cfg, err := config.Read(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "archival-worker")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("archival worker failed")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	if cfg.NatsURL == "" {
		return errors.New("NATS_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL event log
	eventLog, err := archive.NewEventLog(cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer eventLog.Close()

	if err := eventLog.InitSchema(ctx); err != nil {
		return err
	}
	logger.Info().Msg("event log schema ready")

	nc, err := archive.Connect(cfg.NatsURL, "archival-worker")
	if err != nil {
		return err
	}
	defer nc.Close()

	// Read-only history API over what has been archived
	router := mux.NewRouter()
	archive.NewAuditHandler(eventLog, logger).RegisterRoutes(router)
	srv := &http.Server{
		Addr:         cfg.AuditAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.AuditAddr).Msg("audit API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("audit API failed")
			stop()
		}
	}()

	consumer := archive.NewConsumer(nc, eventLog, logger)
	consumeErr := consumer.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("audit API shutdown failed")
	}
	if consumeErr != nil {
		return consumeErr
	}

	logger.Info().Msg("worker stopped gracefully")
	return nil
}
