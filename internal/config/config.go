package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port                      string `mapstructure:"PORT"`
	Env                       string `mapstructure:"ENV"`
	DatabaseURL               string `mapstructure:"DB_DSN"`
	DBMaxConns                int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns                int32  `mapstructure:"DB_MIN_CONNS"`
	StoreDriver               string `mapstructure:"STORE_DRIVER"`
	MigrationsDir             string `mapstructure:"MIGRATIONS_DIR"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	SnapshotCacheTTLSeconds   int    `mapstructure:"SNAPSHOT_CACHE_TTL_SECONDS"`
	JWTSigningKey             string `mapstructure:"JWT_SIGNING_KEY"`
	DispatchMaxRetries        int    `mapstructure:"DISPATCH_MAX_RETRIES"`
	LockTimeoutMS             int    `mapstructure:"LOCK_TIMEOUT_MS"`
	AllowRecallInConsultation bool   `mapstructure:"ALLOW_RECALL_IN_CONSULTATION"`
	CallHistoryLimit          int    `mapstructure:"CALL_HISTORY_LIMIT"`
	RateLimitPerMinute        int    `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst            int    `mapstructure:"RATE_LIMIT_BURST"`
	ClinicRateLimitPerMinute  int    `mapstructure:"CLINIC_RATE_LIMIT_PER_MIN"`
	ClinicRateLimitBurst      int    `mapstructure:"CLINIC_RATE_LIMIT_BURST"`
	BoardPollIntervalSeconds  int    `mapstructure:"BOARD_POLL_INTERVAL_SECONDS"`
	OTLPEndpoint              string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure              bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DB_DSN",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"STORE_DRIVER",
	"MIGRATIONS_DIR",
	"REDIS_URL",
	"SNAPSHOT_CACHE_TTL_SECONDS",
	"JWT_SIGNING_KEY",
	"DISPATCH_MAX_RETRIES",
	"LOCK_TIMEOUT_MS",
	"ALLOW_RECALL_IN_CONSULTATION",
	"CALL_HISTORY_LIMIT",
	"RATE_LIMIT_PER_MIN",
	"RATE_LIMIT_BURST",
	"CLINIC_RATE_LIMIT_PER_MIN",
	"CLINIC_RATE_LIMIT_BURST",
	"BOARD_POLL_INTERVAL_SECONDS",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
	"OTEL_EXPORTER_OTLP_INSECURE",
}

// Load reads the environment, with an optional .env file in the working
// directory underneath it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "production")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("SNAPSHOT_CACHE_TTL_SECONDS", 60)
	v.SetDefault("DISPATCH_MAX_RETRIES", 3)
	v.SetDefault("LOCK_TIMEOUT_MS", 2000)
	v.SetDefault("ALLOW_RECALL_IN_CONSULTATION", false)
	v.SetDefault("CALL_HISTORY_LIMIT", 10)
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("CLINIC_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("CLINIC_RATE_LIMIT_BURST", 120)
	v.SetDefault("BOARD_POLL_INTERVAL_SECONDS", 2)
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	switch cfg.StoreDriver {
	case DriverPostgres, DriverMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, cfg.StoreDriver)
	}
	if cfg.DispatchMaxRetries < 1 {
		return nil, errors.New("DISPATCH_MAX_RETRIES must be at least 1")
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		return nil, fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", cfg.DBMinConns, cfg.DBMaxConns)
	}
	return cfg, nil
}

// ValidateServe checks what the API server needs beyond Load.
func (c *Config) ValidateServe() error {
	if c.StoreDriver == DriverPostgres && c.DatabaseURL == "" {
		return errors.New("DB_DSN is required when STORE_DRIVER=postgres")
	}
	if len(c.JWTSigningKey) < 16 {
		return errors.New("JWT_SIGNING_KEY must be at least 16 bytes")
	}
	return nil
}

func (c *Config) ValidateMigrate() error {
	if c.DatabaseURL == "" {
		return errors.New("DB_DSN is required")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) SnapshotCacheTTL() time.Duration {
	return time.Duration(c.SnapshotCacheTTLSeconds) * time.Second
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

func (c *Config) BoardPollInterval() time.Duration {
	if c.BoardPollIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.BoardPollIntervalSeconds) * time.Second
}
