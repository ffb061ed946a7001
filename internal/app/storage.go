package app

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/adapters/memory"
	espostgres "github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/adapters/persistence/postgres"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/adapters/redisbus"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/platform/migrations"
	platformpostgres "github.com/Apurer/go-eventsourcing-server/internal/platform/postgres"
	platformredis "github.com/Apurer/go-eventsourcing-server/internal/platform/redis"
)

// Storage groups the persistence ports. DB is nil in memory mode.
type Storage struct {
	DB          *gorm.DB
	Journal     ports.Journal
	ReadModels  ports.ReadModelStore
	Sagas       ports.SagaStore
	DeadLetters ports.DeadLetterStore
	Idempotency ports.IdempotencyStore

	close func()
}

// Durable reports whether the stores survive a restart.
func (s *Storage) Durable() bool {
	return s != nil && s.DB != nil
}

// Close releases the database connection.
func (s *Storage) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// OpenStorage connects to Postgres when a DSN is configured and falls back to in-memory
// stores otherwise.
func OpenStorage(ctx context.Context, cfg Config, logger *slog.Logger) (*Storage, error) {
	db, cleanup := platformpostgres.Open(ctx, cfg.PostgresDSN, platformpostgres.Options{
		MaxOpenConns:    cfg.PostgresMaxConns,
		MaxIdleConns:    cfg.PostgresIdle,
		ConnMaxLifetime: cfg.PostgresLifetime,
	}, logger)
	if db == nil {
		return MemoryStorage(), nil
	}
	if cfg.AutoMigrate {
		if err := migrations.Run(db); err != nil {
			cleanup()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Info("event store configured with postgres")
	return &Storage{
		DB:          db,
		Journal:     espostgres.NewJournal(db),
		ReadModels:  espostgres.NewReadModelStore(db),
		Sagas:       espostgres.NewSagaStore(db),
		DeadLetters: espostgres.NewDeadLetterStore(db),
		Idempotency: espostgres.NewIdempotencyStore(db),
		close:       cleanup,
	}, nil
}

// MemoryStorage returns process-local stores.
func MemoryStorage() *Storage {
	return &Storage{
		Journal:     memory.NewJournal(),
		ReadModels:  memory.NewReadModelStore(),
		Sagas:       memory.NewSagaStore(),
		DeadLetters: memory.NewDeadLetterStore(),
		Idempotency: memory.NewIdempotencyStore(),
	}
}

// Bus is a ports.Bus whose consumers can be shut down.
type Bus interface {
	ports.Bus
	Close()
}

// OpenBus returns the Redis Streams bus when REDIS_ADDR is reachable and the in-process
// bus otherwise. The boolean reports whether the bus is shared between processes.
func OpenBus(ctx context.Context, cfg Config, logger *slog.Logger) (Bus, bool, func()) {
	rdb, cleanup := platformredis.Open(ctx, cfg.RedisAddr, logger)
	if rdb == nil {
		bus := memory.NewBus(cfg.BusPartitions,
			memory.WithBusLogger(logger),
			memory.WithRedeliveries(cfg.BusRedeliveries))
		return bus, false, func() {}
	}
	bus := redisbus.New(rdb, cfg.BusPartitions,
		redisbus.WithLogger(logger),
		redisbus.WithPrefix(cfg.RedisStreamPrefix),
		redisbus.WithConsumer(cfg.RedisConsumer),
		redisbus.WithBlock(cfg.RedisBlock),
		redisbus.WithMaxLen(cfg.RedisStreamMaxLen),
		redisbus.WithRedeliveries(cfg.BusRedeliveries))
	logger.Info("event bus configured with redis streams",
		slog.String("prefix", cfg.RedisStreamPrefix),
		slog.Int("partitions", cfg.BusPartitions))
	return bus, true, cleanup
}
