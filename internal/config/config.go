package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	HTTPPort string `mapstructure:"HTTP_PORT"`
	GRPCPort string `mapstructure:"GRPC_PORT"`

	// StorageDriver holds inventory rows; SequenceDriver holds the counters
	// and falls back to StorageDriver when unset.
	StorageDriver  string `mapstructure:"STORAGE_DRIVER"`
	SequenceDriver string `mapstructure:"SEQUENCE_DRIVER"`

	MySQLDSN      string `mapstructure:"MYSQL_DSN"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPoolSize int    `mapstructure:"REDIS_POOL_SIZE"`

	NearlyExpiredHorizonDays int           `mapstructure:"NEARLY_EXPIRED_HORIZON_DAYS"`
	IssuanceMaxAttempts      int           `mapstructure:"ISSUANCE_MAX_ATTEMPTS"`
	IssuanceRetryBackoff     time.Duration `mapstructure:"ISSUANCE_RETRY_BACKOFF"`
	ReconcileWorkers         int           `mapstructure:"RECONCILE_WORKERS"`
	ShutdownTimeout          time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "HTTP_PORT", "GRPC_PORT",
	"STORAGE_DRIVER", "SEQUENCE_DRIVER",
	"MYSQL_DSN", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_ADDR", "REDIS_POOL_SIZE",
	"NEARLY_EXPIRED_HORIZON_DAYS", "ISSUANCE_MAX_ATTEMPTS", "ISSUANCE_RETRY_BACKOFF",
	"RECONCILE_WORKERS", "SHUTDOWN_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("GRPC_PORT", "50051")
	v.SetDefault("STORAGE_DRIVER", DriverMemory)
	v.SetDefault("MYSQL_DSN", "root:root@tcp(localhost:3306)/clinic?parseTime=true")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("NEARLY_EXPIRED_HORIZON_DAYS", 30)
	v.SetDefault("ISSUANCE_MAX_ATTEMPTS", 5)
	v.SetDefault("ISSUANCE_RETRY_BACKOFF", "10ms")
	v.SetDefault("RECONCILE_WORKERS", 4)
	v.SetDefault("SHUTDOWN_TIMEOUT", "5s")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.SequenceDriver == "" {
		cfg.SequenceDriver = cfg.StorageDriver
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverMemory, DriverMySQL, DriverPostgres:
	default:
		return fmt.Errorf("STORAGE_DRIVER %q must be one of memory, mysql, postgres", c.StorageDriver)
	}
	switch c.SequenceDriver {
	case DriverMemory, DriverMySQL, DriverPostgres, DriverRedis:
	default:
		return fmt.Errorf("SEQUENCE_DRIVER %q must be one of memory, mysql, postgres, redis", c.SequenceDriver)
	}
	if c.Uses(DriverMySQL) && c.MySQLDSN == "" {
		return fmt.Errorf("MYSQL_DSN is required for the mysql driver")
	}
	if c.Uses(DriverPostgres) && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres driver")
	}
	if c.Uses(DriverRedis) && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required for the redis driver")
	}
	if c.IssuanceMaxAttempts < 1 {
		return fmt.Errorf("ISSUANCE_MAX_ATTEMPTS must be positive, got %d", c.IssuanceMaxAttempts)
	}
	if c.ReconcileWorkers < 1 {
		return fmt.Errorf("RECONCILE_WORKERS must be positive, got %d", c.ReconcileWorkers)
	}
	if c.NearlyExpiredHorizonDays < 0 {
		return fmt.Errorf("NEARLY_EXPIRED_HORIZON_DAYS cannot be negative, got %d", c.NearlyExpiredHorizonDays)
	}
	if c.IssuanceRetryBackoff < 0 {
		return fmt.Errorf("ISSUANCE_RETRY_BACKOFF cannot be negative, got %s", c.IssuanceRetryBackoff)
	}
	return nil
}

// Uses reports whether either store is backed by driver.
func (c *Config) Uses(driver string) bool {
	return c.StorageDriver == driver || c.SequenceDriver == driver
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level parses LOG_LEVEL, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
