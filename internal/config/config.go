// Package config loads server configuration from an optional YAML file
// with environment variable overrides. A .env file in the working
// directory is picked up first, so local runs need no exported vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr string `yaml:"addr"`

	// Store selects the backend: "memory", "sqlite", or "postgres".
	Store       string `yaml:"store"`
	PostgresDSN string `yaml:"postgres_dsn"`
	SQLitePath  string `yaml:"sqlite_path"`

	// KafkaBrokers enables event publishing when non-empty.
	KafkaBrokers []string `yaml:"kafka_brokers"`

	// ReconcileEpsilon is the SEVERE threshold as a decimal string.
	ReconcileEpsilon string `yaml:"reconcile_epsilon"`

	// Commit retry bounds for the journal engine.
	MaxLockAttempts int           `yaml:"max_lock_attempts"`
	LockBackoff     time.Duration `yaml:"lock_backoff"`
}

func Default() Config {
	return Config{
		Addr:             ":8080",
		Store:            "memory",
		SQLitePath:       "ledger.db",
		ReconcileEpsilon: "0",
		MaxLockAttempts:  10,
		LockBackoff:      2 * time.Millisecond,
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// LEDGER_* environment overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()

	switch cfg.Store {
	case "memory", "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LEDGER_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("LEDGER_STORE"); v != "" {
		c.Store = v
	}
	if v := os.Getenv("LEDGER_POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv("LEDGER_SQLITE_PATH"); v != "" {
		c.SQLitePath = v
	}
	if v := os.Getenv("LEDGER_KAFKA_BROKERS"); v != "" {
		c.KafkaBrokers = strings.Split(v, ",")
	}
	if v := os.Getenv("LEDGER_RECONCILE_EPSILON"); v != "" {
		c.ReconcileEpsilon = v
	}
	if v := os.Getenv("LEDGER_MAX_LOCK_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxLockAttempts = n
		}
	}
	if v := os.Getenv("LEDGER_LOCK_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.LockBackoff = d
		}
	}
}
