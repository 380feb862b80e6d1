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

	// PublicBaseURL is the externally reachable URL of this server.
	// Telephony callback URLs are built from it.
	PublicBaseURL string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL       string
	ChainID      int64
	PrivateKey   string // Hex-encoded, with or without 0x prefix
	USDCContract string

	// Payment confirmation (fiat rail)
	StripeSecretKey string // Optional; fiat PaymentIntent verification disabled if not set

	// Telephony provider
	TelephonyBaseURL string // Provider API base URL for dial/hangup commands
	TelephonyToken   string // Bearer token for outbound provider calls
	TelephonySecret  string // HMAC secret for authenticating inbound callbacks
	ProxyNumber      string // Routing-proxy number presented to callees

	// Call token signing
	TokenSecret string
	TokenTTL    time.Duration // Never issued longer than 5 minutes

	// Escrow reference / verification proof expiry
	ReferenceTTL time.Duration

	// Fees
	AntiSpamFee    string // Flat fee withheld from refunds (USDC)
	PlatformFeeBps int64  // Platform cut of forwarded payouts, in basis points

	// Settlement retry policy
	SettleMaxAttempts int
	SettleBaseDelay   time.Duration

	// Screening
	ScreenDigit      string // Digit the callee must press to accept
	ScreenTimeoutSec int    // Wait for the digit before treating pickup as voicemail

	// Security
	RateLimitRPM   int
	AdminSecret    string // Operator API secret
	VerifierSecret string // Verification-provider API secret
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532                                        // Base Sepolia
	DefaultUSDCContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultAntiSpamFee  = "0.10"
	DefaultFeeBps       = 1000 // 10%
	DefaultRateLimit    = 120
)

// MaxTokenTTL caps call token lifetime. Tokens authorize a single dial
// attempt; anything longer than this is a misconfiguration.
const MaxTokenTTL = 5 * time.Minute

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		PublicBaseURL:     getEnv("PUBLIC_BASE_URL", "http://localhost:"+getEnv("PORT", DefaultPort)),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:        os.Getenv("PRIVATE_KEY"), // Required, no default
		USDCContract:      getEnv("USDC_CONTRACT", DefaultUSDCContract),
		StripeSecretKey:   os.Getenv("STRIPE_SECRET_KEY"),
		TelephonyBaseURL:  os.Getenv("TELEPHONY_BASE_URL"),
		TelephonyToken:    os.Getenv("TELEPHONY_TOKEN"),
		TelephonySecret:   os.Getenv("TELEPHONY_SECRET"),
		ProxyNumber:       os.Getenv("PROXY_NUMBER"),
		TokenSecret:       os.Getenv("TOKEN_SECRET"),
		TokenTTL:          getEnvDuration("TOKEN_TTL", MaxTokenTTL),
		ReferenceTTL:      getEnvDuration("REFERENCE_TTL", 5*time.Minute),
		AntiSpamFee:       getEnv("ANTI_SPAM_FEE", DefaultAntiSpamFee),
		PlatformFeeBps:    getEnvInt64("PLATFORM_FEE_BPS", DefaultFeeBps),
		SettleMaxAttempts: int(getEnvInt64("SETTLE_MAX_ATTEMPTS", 4)),
		SettleBaseDelay:   getEnvDuration("SETTLE_BASE_DELAY", 2*time.Second),
		ScreenDigit:       getEnv("SCREEN_DIGIT", "1"),
		ScreenTimeoutSec:  int(getEnvInt64("SCREEN_TIMEOUT_SEC", 10)),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		VerifierSecret:    os.Getenv("VERIFIER_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}

	if c.TokenTTL <= 0 || c.TokenTTL > MaxTokenTTL {
		return fmt.Errorf("TOKEN_TTL must be positive and at most %s", MaxTokenTTL)
	}

	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 10000")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
