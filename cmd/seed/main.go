// cmd/seed/main.go
package main

import (
	"context"
	"log"
	"os"
	"time"

	"libradispatch/internal/config"
	"libradispatch/internal/logging"
	"libradispatch/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	cfg, err := config.LoadSeed()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg.Logging, os.Stdout, "seed")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store, err := storage.OpenPostgres(ctx, cfg.Driver, cfg.DSN, storage.WithStoreLogger(logger))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	// Step 1: schema
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to create schema: %v", err)
	}
	// Step 2: start from empty tables
	if cfg.Reset {
		if err := store.Truncate(ctx); err != nil {
			log.Fatalf("Failed to reset tables: %v", err)
		}
	}
	// Step 3: fixture
	f := storage.BuildFixture(cfg.Items, cfg.RNGSeed, time.Now())
	if err := storage.Seed(ctx, store, f); err != nil {
		log.Fatalf("Failed to seed: %v", err)
	}
	logger.Info("database seeded", "items", len(f.Items), "active_loans", len(f.Loans), "rng_seed", cfg.RNGSeed)
}
