// cmd/gateway/main.go
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
	"libradispatch/internal/gateway"
	"libradispatch/internal/health"
	"libradispatch/internal/logging"
	"libradispatch/internal/publisher"
	"libradispatch/internal/telemetry"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg.Logging, os.Stdout, "gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Gateway, logger logging.Logger) error {
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	// Step 1: asynchronous path
	hub := publisher.NewHub(publisher.WithHubLogger(logger))
	pub, err := publisher.New(hub, publisher.WithLogger(logger))
	if err != nil {
		return err
	}
	defer pub.Close()

	consumers := make([]*health.Consumer, 0, len(cfg.Consumers))
	for _, t := range cfg.Consumers {
		consumers = append(consumers, health.NewConsumer(t.Name, t.Topic, t.HealthURL))
	}
	registry, err := health.NewRegistry(pub, consumers, health.WithRegistryLogger(logger))
	if err != nil {
		return err
	}
	monitor, err := health.NewMonitor(registry,
		health.WithInterval(cfg.HealthInterval),
		health.WithTimeout(cfg.HealthTimeout),
		health.WithLogger(logger))
	if err != nil {
		return err
	}

	// Step 2: synchronous path
	caller, err := failover.NewCaller(failover.WithLogger(logger))
	if err != nil {
		return err
	}
	gw, err := gateway.New(caller, registry,
		gateway.WithLender(cfg.LenderPrimary, cfg.LenderBackup, cfg.LenderTimeout),
		gateway.WithLogger(logger))
	if err != nil {
		return err
	}

	go func() { _ = pub.Run(ctx) }()
	go func() { _ = monitor.Run(ctx) }()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gateway.NewHandler(gw, hub, registry).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("gateway listening", "addr", cfg.Addr, "lender_primary", cfg.LenderPrimary,
		"lender_backup", cfg.LenderBackup, "consumers", len(consumers))
	return serve(ctx, srv, logger)
}

// serve runs srv until ctx is done. Event streams never end on their own, so
// a slow shutdown is cut short.
func serve(ctx context.Context, srv *http.Server, logger logging.Logger) error {
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

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	return nil
}
