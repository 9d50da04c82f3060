// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. It is resolved once at boot
// and injected; nothing reads the environment per request.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory ledger if not set)

	// Blockchain settings
	RPCURL  string
	ChainID int64

	// Payment settings
	ReceivingAddress string        // address every paid query settles to; required
	QuoteValidFor    time.Duration // how long an issued quote stays usable

	// Facilitator settlement
	FacilitatorURL     string // x402 facilitator base URL (optional, enables the scheme)
	FacilitatorNetwork string
	StripeAPIKey       string // enables the Stripe fiat settler instead of the x402 facilitator

	// Exchange rates
	RateURL      string  // spot price endpoint (optional)
	StaticETHUSD float64 // fallback ETH/USD rate when no source answers

	// Tracing
	OTLPEndpoint string // OTLP/gRPC collector (optional, tracing is no-op if unset)
}

// Base Sepolia defaults
const (
	DefaultRPCURL             = "https://sepolia.base.org"
	DefaultChainID            = 84532 // Base Sepolia
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultQuoteValidFor      = 5 * time.Minute
	DefaultFacilitatorNetwork = "base-sepolia"
	DefaultStaticETHUSD       = 2500.0
)

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		ReceivingAddress:   os.Getenv("RECEIVING_ADDRESS"), // Required, no default
		QuoteValidFor:      getEnvDuration("QUOTE_VALID_FOR", DefaultQuoteValidFor),
		FacilitatorURL:     os.Getenv("FACILITATOR_URL"),
		FacilitatorNetwork: getEnv("FACILITATOR_NETWORK", DefaultFacilitatorNetwork),
		StripeAPIKey:       os.Getenv("STRIPE_API_KEY"),
		RateURL:            os.Getenv("RATE_URL"),
		StaticETHUSD:       getEnvFloat("STATIC_ETH_USD", DefaultStaticETHUSD),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ReceivingAddress == "" {
		return fmt.Errorf("RECEIVING_ADDRESS is required")
	}
	if !addressRe.MatchString(c.ReceivingAddress) {
		return fmt.Errorf("RECEIVING_ADDRESS must be a 0x-prefixed 40 hex character address")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.QuoteValidFor <= 0 {
		return fmt.Errorf("QUOTE_VALID_FOR must be positive")
	}

	if c.StaticETHUSD <= 0 {
		return fmt.Errorf("STATIC_ETH_USD must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
