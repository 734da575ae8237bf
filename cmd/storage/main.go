// cmd/storage/main.go
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
	"libradispatch/internal/logging"
	"libradispatch/internal/storage"
	"libradispatch/internal/telemetry"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	cfg, err := config.LoadStorage()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg.Logging, os.Stdout, cfg.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("storage stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Storage, logger logging.Logger) error {
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	open := func(ctx context.Context, driver, dsn string) (storage.Store, error) {
		return openStore(ctx, driver, dsn, logger)
	}
	engine, closeStores, err := buildEngine(ctx, cfg, logger, open)
	if err != nil {
		return err
	}
	defer closeStores()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           storage.NewHandler(engine, cfg.Name, logger).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("storage listening", "addr", cfg.Addr, "role", cfg.Role, "store", cfg.Store)

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

// storeOpener connects to one database and prepares its schema.
type storeOpener func(ctx context.Context, driver, dsn string) (storage.Store, error)

// buildEngine opens the stores for the configured role. A primary writes its own
// database and mirrors to REPLICA_DATABASE_URL when set; a backup serves the
// replica database directly. A replica that cannot be opened is logged and the
// primary starts without it.
func buildEngine(ctx context.Context, cfg config.Storage, logger logging.Logger, open storeOpener) (*storage.Engine, func(), error) {
	if cfg.Store == config.StoreMemory {
		store := storage.NewMemoryStore()
		seedCfg, err := config.LoadSeed()
		if err != nil {
			return nil, nil, err
		}
		if err := storage.Seed(ctx, store, storage.BuildFixture(seedCfg.Items, seedCfg.RNGSeed, time.Now())); err != nil {
			return nil, nil, err
		}
		engine, err := storage.NewEngine(store, storage.WithName(cfg.Name), storage.WithLogger(logger))
		return engine, func() {}, err
	}

	dsn := cfg.DSN
	if cfg.Role == config.RoleBackup {
		dsn = cfg.ReplicaDSN
	}
	primary, err := open(ctx, cfg.Driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){func() { _ = primary.Close() }}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	options := []storage.Option{storage.WithName(cfg.Name), storage.WithLogger(logger)}
	if cfg.Role == config.RolePrimary && cfg.ReplicaDSN != "" {
		if replica, closeReplica, err := buildReplica(ctx, cfg, logger, open); err != nil {
			logger.Warn("replica unavailable, serving without it", "error", err.Error())
		} else {
			closers = append(closers, closeReplica)
			options = append(options, storage.WithReplica(replica))
		}
	}

	engine, err := storage.NewEngine(primary, options...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return engine, closeAll, nil
}

func buildReplica(ctx context.Context, cfg config.Storage, logger logging.Logger, open storeOpener) (*storage.Engine, func(), error) {
	store, err := open(ctx, cfg.Driver, cfg.ReplicaDSN)
	if err != nil {
		return nil, nil, err
	}
	replica, err := storage.NewEngine(store, storage.WithName(cfg.Name+"-replica"), storage.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return replica, func() { _ = store.Close() }, nil
}

func openStore(ctx context.Context, driver, dsn string, logger logging.Logger) (storage.Store, error) {
	store, err := storage.OpenPostgres(ctx, driver, dsn, storage.WithStoreLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
