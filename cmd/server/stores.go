package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rl1809/clinic-core/internal/adapter/handler"
	"github.com/rl1809/clinic-core/internal/adapter/storage"
	"github.com/rl1809/clinic-core/internal/config"
	"github.com/rl1809/clinic-core/internal/port"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

// stores holds the adapters selected by STORAGE_DRIVER and SEQUENCE_DRIVER.
type stores struct {
	sequences port.SequenceRepository
	inventory port.InventoryRepository
	cache     port.CacheRepository
	checks    map[string]handler.Pinger
	migrators map[string]migrator
	closers   []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	s := &stores{
		checks:    make(map[string]handler.Pinger),
		migrators: make(map[string]migrator),
	}
	memory := storage.NewMemoryAdapter()

	var (
		mysqlAdapter *storage.MySQLAdapter
		pgAdapter    *storage.PostgresAdapter
		redisAdapter *storage.RedisAdapter
	)

	if cfg.Uses(config.DriverMySQL) {
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(int(cfg.DBMaxConns))
		db.SetMaxIdleConns(int(cfg.DBMinConns))
		db.SetConnMaxLifetime(5 * time.Minute)
		s.closers = append(s.closers, func() { db.Close() })

		mysqlAdapter = storage.NewMySQLAdapter(db)
		if err := mysqlAdapter.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		s.checks["mysql"] = mysqlAdapter
		s.migrators["mysql"] = mysqlAdapter
		logger.Info().Msg("connected to mysql")
	}

	if cfg.Uses(config.DriverPostgres) {
		pool, err := storage.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)

		pgAdapter = storage.NewPostgresAdapter(pool)
		s.checks["postgres"] = pgAdapter
		s.migrators["postgres"] = pgAdapter
		logger.Info().Msg("connected to postgres")
	}

	// Idempotency keys live in Redis for every non-memory deployment.
	if cfg.Uses(config.DriverRedis) || cfg.StorageDriver != config.DriverMemory {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: cfg.RedisPoolSize,
		})
		s.closers = append(s.closers, func() { rdb.Close() })

		redisAdapter = storage.NewRedisAdapter(rdb)
		if err := redisAdapter.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		s.checks["redis"] = redisAdapter
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	}

	switch cfg.StorageDriver {
	case config.DriverMySQL:
		s.inventory = mysqlAdapter
	case config.DriverPostgres:
		s.inventory = pgAdapter
	default:
		s.inventory = memory
	}

	switch cfg.SequenceDriver {
	case config.DriverMySQL:
		s.sequences = mysqlAdapter
	case config.DriverPostgres:
		s.sequences = pgAdapter
	case config.DriverRedis:
		s.sequences = redisAdapter
	default:
		s.sequences = memory
	}

	if redisAdapter != nil {
		s.cache = redisAdapter
	} else {
		s.cache = memory
	}

	logger.Info().
		Str("storage", cfg.StorageDriver).
		Str("sequence", cfg.SequenceDriver).
		Msg("stores ready")
	return s, nil
}
