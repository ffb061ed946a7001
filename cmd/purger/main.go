package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/Apurer/go-eventsourcing-server/internal/app"
	espostgres "github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/adapters/persistence/postgres"
	platformconfig "github.com/Apurer/go-eventsourcing-server/internal/platform/config"
	platformpostgres "github.com/Apurer/go-eventsourcing-server/internal/platform/postgres"
)

// main deletes published outbox rows and expired idempotency keys. Events themselves are never purged.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if err := platformconfig.LoadDotEnv(); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	db, cleanup := platformpostgres.Open(ctx, cfg.PostgresDSN, platformpostgres.Options{}, logger)
	defer cleanup()
	if db == nil {
		log.Fatal("POSTGRES_DSN not set or connection failed; nothing to purge")
	}

	now := time.Now().UTC()
	outbox, err := espostgres.NewJournal(db).PurgePublished(ctx, now.Add(-cfg.OutboxRetention))
	if err != nil {
		log.Fatalf("failed to purge outbox: %v", err)
	}
	keys, err := espostgres.NewIdempotencyStore(db).Purge(ctx, now.Add(-cfg.IdempotencyTTL))
	if err != nil {
		log.Fatalf("failed to purge idempotency keys: %v", err)
	}
	logger.Info("purge completed", slog.Int64("outbox_rows", outbox), slog.Int64("idempotency_keys", keys))
}
