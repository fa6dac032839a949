// Package config resolves run configuration from environment variables and
// CLI flags, the way internal/server/auth.go resolved its own secrets
// (os.Getenv with explicit fallbacks, a mustGetEnv helper for values with
// no safe default).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the resolved set of knobs the §6 CLI surface exposes as flags,
// plus the §6 environment variables.
type Config struct {
	InputPath     string
	SnapshotPath  string
	OutDir        string
	Year          int
	TZ            string
	Tolerance     decimal.Decimal
	SkipUnknown   bool

	PriceCacheDir string
	PriceProvider string
	PriceAPIKey   string
	RedisAddr     string

	PostgresDSN string

	ProviderTimeout time.Duration
	Environment     string
}

const (
	defaultTZ              = "Europe/Madrid"
	defaultPriceCacheDir   = "./prices"
	defaultProviderTimeout = 10 * time.Second
)

// FromEnv resolves the environment-variable half of Config, mirroring the
// teacher's getEnv(key, fallback) helper in internal/data/conn.go.
func FromEnv() Config {
	return Config{
		TZ:              getEnvOrDefault("QNTROPY_TZ", defaultTZ),
		Tolerance:       decimal.New(1, -8),
		PriceCacheDir:   getEnvOrDefault("QNTROPY_PRICE_CACHE_DIR", defaultPriceCacheDir),
		PriceProvider:   getEnvOrDefault("QNTROPY_PRICE_PROVIDER", "fixture"),
		PriceAPIKey:     os.Getenv("QNTROPY_PRICE_API_KEY"),
		RedisAddr:       os.Getenv("QNTROPY_REDIS_ADDR"),
		PostgresDSN:     os.Getenv("QNTROPY_POSTGRES_DSN"),
		ProviderTimeout: defaultProviderTimeout,
		Environment:     getEnvOrDefault("ENVIRONMENT", "dev"),
	}
}

func getEnvOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// mustGetEnv behaves like os.Getenv but returns an error instead of the
// teacher's log.Fatalf — this module never calls os.Exit outside
// cmd/qntropy, so a missing required provider key surfaces as a normal
// error the CLI can map to an exit code.
func mustGetEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%s environment variable is required but not set", key)
	}
	return v, nil
}

// RequirePriceAPIKey returns the configured provider API key, failing if
// the configured provider needs one (the fixture provider does not).
func (c Config) RequirePriceAPIKey() (string, error) {
	if c.PriceProvider == "fixture" {
		return c.PriceAPIKey, nil
	}
	return mustGetEnv("QNTROPY_PRICE_API_KEY")
}

// Location loads the configured IANA timezone, defaulting to Europe/Madrid
// per §4.1.
func (c Config) Location() (*time.Location, error) {
	tz := c.TZ
	if tz == "" {
		tz = defaultTZ
	}
	return time.LoadLocation(tz)
}
