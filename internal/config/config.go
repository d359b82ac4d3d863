// Package config provides configuration management functionality.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/cofferbank/coffer/internal/domain"
)

// VaultKeySize is the required AEAD key length in bytes (ChaCha20-Poly1305).
const VaultKeySize = 32

// ProviderConfig holds the client credentials and limits for one banking
// provider integration.
type ProviderConfig struct {
	Enabled        bool
	ClientID       string
	ClientSecret   string
	Environment    string // sandbox or production
	RedirectURI    string
	WebhookSecret  string
	RatePerMinute  int // provider API rate cap, 0 = provider default
	MaxConcurrency int // concurrent in-flight calls, 0 = provider default
}

// ArchiveConfig holds the S3-compatible object storage settings used by the
// job-ledger archiver. Archiving is disabled when Bucket is empty.
type ArchiveConfig struct {
	Bucket    string
	Endpoint  string // custom endpoint for R2/MinIO style storage
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// VaultKey is the decoded AEAD key for the credential vault. Loaded once
	// at startup, held in memory, never logged.
	VaultKey []byte

	// TickSecret authenticates the external scheduler tick source.
	TickSecret string

	WorkerPoolSize int
	TickDeadline   time.Duration
	RunDeadline    time.Duration
	RefreshTimeout time.Duration
	LeaseTTL       time.Duration

	// Batch limits per tick, keyed by schedule bucket. Buckets without an
	// entry use BatchDefault.
	BatchHourly  int
	BatchDaily   int
	BatchDefault int

	Providers map[string]ProviderConfig
	Archive   ArchiveConfig
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("COFFER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	vaultKey, err := decodeVaultKey(getEnv("COFFER_VAULT_KEY", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("COFFER_PORT", 8040),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		VaultKey:   vaultKey,
		TickSecret: getEnv("COFFER_TICK_SECRET", ""),

		WorkerPoolSize: getEnvAsInt("COFFER_WORKER_POOL_SIZE", 8),
		TickDeadline:   getEnvAsDuration("COFFER_TICK_DEADLINE", 5*time.Minute),
		RunDeadline:    getEnvAsDuration("COFFER_RUN_DEADLINE", 3*time.Minute),
		RefreshTimeout: getEnvAsDuration("COFFER_REFRESH_TIMEOUT", 20*time.Second),
		LeaseTTL:       getEnvAsDuration("COFFER_LEASE_TTL", 10*time.Minute),

		BatchHourly:  getEnvAsInt("COFFER_BATCH_HOURLY", 20),
		BatchDaily:   getEnvAsInt("COFFER_BATCH_DAILY", 50),
		BatchDefault: getEnvAsInt("COFFER_BATCH_DEFAULT", 25),

		Providers: map[string]ProviderConfig{
			"plaid":      loadProviderConfig("PLAID"),
			"gocardless": loadProviderConfig("GOCARDLESS"),
			"sella":      loadProviderConfig("SELLA"),
		},

		Archive: ArchiveConfig{
			Bucket:    getEnv("COFFER_ARCHIVE_BUCKET", ""),
			Endpoint:  getEnv("COFFER_ARCHIVE_ENDPOINT", ""),
			Region:    getEnv("COFFER_ARCHIVE_REGION", "auto"),
			AccessKey: getEnv("COFFER_ARCHIVE_ACCESS_KEY", ""),
			SecretKey: getEnv("COFFER_ARCHIVE_SECRET_KEY", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadProviderConfig reads one provider's settings using its env prefix
// (e.g. PLAID_CLIENT_ID, PLAID_ENV, PLAID_REDIRECT_URI).
func loadProviderConfig(prefix string) ProviderConfig {
	return ProviderConfig{
		Enabled:        getEnvAsBool(prefix+"_ENABLED", false),
		ClientID:       getEnv(prefix+"_CLIENT_ID", ""),
		ClientSecret:   getEnv(prefix+"_CLIENT_SECRET", ""),
		Environment:    getEnv(prefix+"_ENV", "sandbox"),
		RedirectURI:    getEnv(prefix+"_REDIRECT_URI", ""),
		WebhookSecret:  getEnv(prefix+"_WEBHOOK_SECRET", ""),
		RatePerMinute:  getEnvAsInt(prefix+"_RATE_PER_MINUTE", 0),
		MaxConcurrency: getEnvAsInt(prefix+"_MAX_CONCURRENCY", 0),
	}
}

// decodeVaultKey accepts a hex- or base64-encoded key and validates its
// length. An empty value is allowed here; Validate rejects it so that the
// error carries configuration context.
func decodeVaultKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}

	if key, err := hex.DecodeString(encoded); err == nil {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		return key, nil
	}

	return nil, fmt.Errorf("%w: COFFER_VAULT_KEY is neither valid hex nor base64", domain.ErrConfiguration)
}

// Validate checks if required configuration is present. Failures here abort
// startup: the process never runs with a malformed vault key or without a
// tick secret.
func (c *Config) Validate() error {
	if len(c.VaultKey) != VaultKeySize {
		return fmt.Errorf("%w: vault key must be %d bytes, got %d",
			domain.ErrConfiguration, VaultKeySize, len(c.VaultKey))
	}

	if c.TickSecret == "" {
		return fmt.Errorf("%w: COFFER_TICK_SECRET is required", domain.ErrConfiguration)
	}

	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("%w: worker pool size must be at least 1", domain.ErrConfiguration)
	}

	for id, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		if p.ClientID == "" || p.ClientSecret == "" {
			return fmt.Errorf("%w: provider %s is enabled but missing client credentials",
				domain.ErrConfiguration, id)
		}
	}

	return nil
}

// EnabledProviders returns the ids of all enabled providers.
func (c *Config) EnabledProviders() []string {
	ids := make([]string, 0, len(c.Providers))
	for id, p := range c.Providers {
		if p.Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// BatchLimit returns the per-tick dispatch limit for a schedule bucket.
func (c *Config) BatchLimit(bucket domain.SyncSchedule) int {
	switch bucket {
	case domain.ScheduleHourly:
		return c.BatchHourly
	case domain.ScheduleDaily:
		return c.BatchDaily
	default:
		return c.BatchDefault
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
