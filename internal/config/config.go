package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	StorePebble = "pebble"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is the ledger server configuration.
type Config struct {
	DBDriver     string        `env:"DB_DRIVER" envDefault:"postgres"`
	DBSource     string        `env:"DB_SOURCE"`
	SQLitePath   string        `env:"SQLITE_PATH" envDefault:"ledger.db"`
	Port         string        `env:"SERVER_PORT" envDefault:"8080"`
	Env          string        `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel     string        `env:"LOG_LEVEL"`
	TransferTTL  time.Duration `env:"TRANSFER_TTL" envDefault:"10m"`
	SweepEvery   time.Duration `env:"SWEEP_INTERVAL" envDefault:"60s"`
	MaxClockSkew time.Duration `env:"MAX_CLOCK_SKEW" envDefault:"5m"`
}

func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	switch cfg.DBDriver {
	case DriverPostgres:
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("SQLITE_PATH environment variable is required")
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	return &cfg, nil
}

// WalletConfig is the device configuration for one signed-in user.
type WalletConfig struct {
	UserID            string        `env:"WALLET_USER_ID"`
	LedgerURL         string        `env:"LEDGER_URL" envDefault:"http://localhost:8080"`
	Store             string        `env:"WALLET_STORE" envDefault:"pebble"`
	DataDir           string        `env:"WALLET_DATA_DIR" envDefault:".wallet"`
	RedisURL          string        `env:"REDIS_URL"`
	EncryptionKey     string        `env:"WALLET_ENCRYPTION_KEY"`
	Env               string        `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel          string        `env:"LOG_LEVEL"`
	ItemDelay         time.Duration `env:"CLAIM_ITEM_DELAY" envDefault:"500ms"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	StaleAfter        time.Duration `env:"STALE_AFTER" envDefault:"48h"`
	ProbeInterval     time.Duration `env:"PROBE_INTERVAL" envDefault:"10s"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s"`
}

// LoadWallet reads the device configuration. The user ID may also be given
// on the command line, so it is checked by the caller.
func LoadWallet() (*WalletConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	var cfg WalletConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	switch cfg.Store {
	case StorePebble, StoreMemory:
	case StoreRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL environment variable is required for the redis store")
		}
	default:
		return nil, fmt.Errorf("unsupported WALLET_STORE %q", cfg.Store)
	}
	return &cfg, nil
}

// loadDotEnv reads .env from the working directory if there is one. Values
// already in the environment win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
