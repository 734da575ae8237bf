// cmd/lender/main.go
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
	"libradispatch/internal/failover"
	"libradispatch/internal/lender"
	"libradispatch/internal/logging"
	"libradispatch/internal/telemetry"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	cfg, err := config.LoadLender()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg.Logging, os.Stdout, cfg.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("lender stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Lender, logger logging.Logger) error {
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	caller, err := failover.NewCaller(
		failover.WithFailureMessage(lender.FailureMessage),
		failover.WithLogger(logger))
	if err != nil {
		return err
	}
	l, err := lender.New(caller,
		lender.WithStorage(cfg.StoragePrimary, cfg.StorageBackup, cfg.StorageTimeout),
		lender.WithLogger(logger))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           lender.NewHandler(l, cfg.Name).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("lender listening", "addr", cfg.Addr, "storage_primary", cfg.StoragePrimary,
		"storage_backup", cfg.StorageBackup)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
