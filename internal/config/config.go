// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL        string
	ChainID       int64
	OperatorKey   string // Hex-encoded operator (gas sponsor) private key
	TokenContract string // Stable token (ERC-20) contract address
	VaultFactory  string // Deterministic vault factory contract address
	Confirmations time.Duration
	DefaultFeePct float64 // Fallback platform fee estimate, percent

	// Background sweeps
	SweepInterval  time.Duration
	SyncInterval   time.Duration
	SweepBatchSize int

	// Funding watcher (Transfer-log tailing; sweeps alone suffice without it)
	WatcherEnabled  bool
	WatcherInterval time.Duration

	// Authorization
	MaxSignatureDeadline time.Duration // Upper bound for caller-supplied deadlines

	// Arbitration
	ArbitrationWindow  time.Duration // Counter-payment window
	ArbitrationTestFee string        // Fixed fee in minor units, test mode only

	// External collaborators
	WalletDirectoryURL  string // Wallet directory service (optional, static map if unset)
	NotifySecret        string // HMAC secret for signed webhook deliveries
	StripeKey           string // Stripe secret key; card funding disabled if unset
	StripeWebhookSecret string // Verifies Stripe funding callbacks

	// Observability / protection
	OTLPEndpoint string
	RateLimitRPM int
}

// Base Sepolia defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532                                        // Base Sepolia
	DefaultTokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultFeePct        = 1.99
	DefaultRateLimit     = 120
)

// Default timeout classes. Confirmation waits, signature deadlines, and the
// arbitration counter-payment window are distinct and must stay distinct.
const (
	DefaultConfirmationTimeout = 45 * time.Second
	DefaultMaxSigDeadline      = 24 * time.Hour
	DefaultArbitrationWindow   = 72 * time.Hour
	DefaultSweepInterval       = 30 * time.Second
	DefaultSyncInterval        = 2 * time.Minute
	DefaultSweepBatchSize      = 25
	DefaultWatcherInterval     = 15 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RPCURL:               getEnv("RPC_URL", DefaultRPCURL),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		OperatorKey:          os.Getenv("OPERATOR_KEY"), // Required, no default
		TokenContract:        getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		VaultFactory:         os.Getenv("VAULT_FACTORY"), // Required, no default
		Confirmations:        getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout),
		DefaultFeePct:        getEnvFloat("DEFAULT_FEE_PCT", DefaultFeePct),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SyncInterval:         getEnvDuration("SYNC_INTERVAL", DefaultSyncInterval),
		SweepBatchSize:       int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		WatcherEnabled:       getEnvBool("WATCHER_ENABLED", false),
		WatcherInterval:      getEnvDuration("WATCHER_INTERVAL", DefaultWatcherInterval),
		MaxSignatureDeadline: getEnvDuration("MAX_SIGNATURE_DEADLINE", DefaultMaxSigDeadline),
		ArbitrationWindow:    getEnvDuration("ARBITRATION_WINDOW", DefaultArbitrationWindow),
		ArbitrationTestFee:   os.Getenv("ARBITRATION_TEST_FEE"),
		WalletDirectoryURL:   os.Getenv("WALLET_DIRECTORY_URL"),
		NotifySecret:         os.Getenv("NOTIFY_SECRET"),
		StripeKey:            os.Getenv("STRIPE_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OperatorKey == "" {
		return fmt.Errorf("OPERATOR_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.OperatorKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("OPERATOR_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.VaultFactory == "" {
		return fmt.Errorf("VAULT_FACTORY is required")
	}

	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
