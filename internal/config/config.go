// Package config loads premium library configuration from the environment,
// with optional .env overrides for deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const envPrefix = "PREMIUM_"

// Config holds the settings for the entitlement subsystem and its CLI.
type Config struct {
	// Billing authority endpoints
	BillingURL string // REST base URL
	StreamURL  string // websocket URL for the transaction-update stream
	APIToken   string

	// DataDir holds the entitlement cache database.
	DataDir string

	// Resolution timeouts
	ResolveTimeout time.Duration // whole current-entitlements fetch
	RenewalTimeout time.Duration // each renewal-status sub-query

	// Retry / degradation
	MaxRetries  int
	GraceWindow time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		BillingURL:     "https://billing.fithub.app",
		StreamURL:      "wss://billing.fithub.app/v1/updates",
		DataDir:        defaultDataDir(),
		ResolveTimeout: 30 * time.Second,
		RenewalTimeout: 10 * time.Second,
		MaxRetries:     3,
		GraceWindow:    30 * time.Minute,
		LogLevel:       "info",
		LogFormat:      "auto",
	}
}

// Load builds the configuration from defaults, a .env file when present, and
// environment variables, in increasing order of precedence.
func Load() Config {
	cfg := Defaults()

	// .env in the data dir for deployment overrides, then the current
	// directory for development.
	envFile := filepath.Join(cfg.DataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		}
	}
	_ = godotenv.Load()

	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setString(&cfg.BillingURL, "BILLING_URL")
	setString(&cfg.StreamURL, "STREAM_URL")
	setString(&cfg.APIToken, "API_TOKEN")
	setString(&cfg.DataDir, "DATA_DIR")
	setDuration(&cfg.ResolveTimeout, "RESOLVE_TIMEOUT")
	setDuration(&cfg.RenewalTimeout, "RENEWAL_TIMEOUT")
	setInt(&cfg.MaxRetries, "MAX_RETRIES")
	setDuration(&cfg.GraceWindow, "GRACE_WINDOW")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
}

// CachePath returns the path of the entitlement cache database.
func (c Config) CachePath() string {
	return filepath.Join(c.DataDir, "entitlements.db")
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".fithub", "premium")
	}
	return filepath.Join(os.TempDir(), "fithub-premium")
}

func setString(dst *string, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	val := os.Getenv(envPrefix + key)
	if val == "" {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring non-integer env override")
		return
	}
	*dst = n
}

func setDuration(dst *time.Duration, key string) {
	val := os.Getenv(envPrefix + key)
	if val == "" {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring unparsable duration env override")
		return
	}
	*dst = d
}

// Validate reports configuration problems that make the subsystem unusable.
func (c Config) Validate() error {
	if c.BillingURL == "" {
		return fmt.Errorf("billing URL is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0")
	}
	return nil
}
