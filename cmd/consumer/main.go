// cmd/consumer/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"libradispatch/internal/config"
	"libradispatch/internal/consumer"
	"libradispatch/internal/failover"
	"libradispatch/internal/logging"
	"libradispatch/internal/telemetry"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	cfg, err := config.LoadConsumer()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg.Logging, os.Stdout, cfg.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("consumer stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Consumer, logger logging.Logger) error {
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	caller, err := failover.NewCaller(failover.WithLogger(logger))
	if err != nil {
		return err
	}
	c, err := consumer.New(cfg.Topic, cfg.EventsURL, caller,
		consumer.WithStorage(cfg.StoragePrimary, cfg.StorageBackup, cfg.StorageTimeout),
		consumer.WithLogger(logger))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           consumer.NewHandler(c, cfg.Name).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe() }()
	go func() { errCh <- c.Run(ctx) }()
	logger.Info("consumer started", "topic", cfg.Topic, "addr", cfg.Addr, "events", cfg.EventsURL)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
