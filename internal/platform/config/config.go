package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Lock backend selectors for Config.LockBackend.
const (
	LockBackendFile  = "file"
	LockBackendRedis = "redis"
)

// Config captures provisioner configuration so main stays lean. Retry and
// wait values default to the engine's CI pacing.
type Config struct {
	DatabaseURL         string        `env:"FIXTURES_DATABASE_URL"`
	ConsumerDatabaseURL string        `env:"FIXTURES_CONSUMER_DATABASE_URL"`
	LockBackend         string        `env:"FIXTURES_LOCK_BACKEND" envDefault:"file"`
	LockDir             string        `env:"FIXTURES_LOCK_DIR" envDefault:"/tmp/fixtureforge-locks"`
	RedisURL            string        `env:"FIXTURES_REDIS_URL"`
	AdminAddr           string        `env:"FIXTURES_ADMIN_ADDR" envDefault:":9464"`
	EmailDomain         string        `env:"FIXTURES_EMAIL_DOMAIN" envDefault:"fixtures.test"`
	LockMaxWait         time.Duration `env:"FIXTURES_LOCK_MAX_WAIT" envDefault:"30s"`
	LockPoll            time.Duration `env:"FIXTURES_LOCK_POLL" envDefault:"100ms"`
	StoreAttempts       int           `env:"FIXTURES_STORE_ATTEMPTS" envDefault:"3"`
	StoreBackoff        time.Duration `env:"FIXTURES_STORE_BACKOFF" envDefault:"200ms"`
	VerifyAttempts      int           `env:"FIXTURES_VERIFY_ATTEMPTS" envDefault:"5"`
	VerifyBackoff       time.Duration `env:"FIXTURES_VERIFY_BACKOFF" envDefault:"100ms"`
	VerifyBackoffCap    time.Duration `env:"FIXTURES_VERIFY_BACKOFF_CAP" envDefault:"2s"`
	IdentityConcurrency int           `env:"FIXTURES_IDENTITY_CONCURRENCY" envDefault:"8"`
}

// FromEnv builds a Config from environment variables.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config from env: %w", err)
	}
	if cfg.LockBackend != LockBackendFile && cfg.LockBackend != LockBackendRedis {
		return Config{}, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}
	if cfg.LockBackend == LockBackendRedis && cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("redis lock backend requires FIXTURES_REDIS_URL")
	}
	return cfg, nil
}
