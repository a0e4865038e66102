// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/freightmesh/securetrade/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	StripeAPIKey        string // Secret key for the payment processor (sk_...)
	StripeWebhookSecret string // Signing secret for inbound webhooks (whsec_...)
	Currency            string // ISO currency code for holds and transfers

	// Escrow policy
	ShipmentReleaseBps int // cumulative fraction released on shipment confirmation

	// Security
	AdminSecret  string // bootstrap credential for issuing API keys
	RateLimitRPM int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultCurrency           = "usd"
	DefaultShipmentReleaseBps = 7000 // 70% released on shipment, remainder on delivery
	DefaultRateLimit          = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		ShipmentReleaseBps:  int(getEnvInt64("SHIPMENT_RELEASE_BPS", DefaultShipmentReleaseBps)),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ShipmentReleaseBps <= 0 || c.ShipmentReleaseBps > money.FullReleaseBps {
		return fmt.Errorf("SHIPMENT_RELEASE_BPS must be in (0, %d]", money.FullReleaseBps)
	}

	// The fake gateway serves development; production needs real keys.
	if c.IsProduction() {
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
	}

	return nil
}

// GatewayEnabled reports whether a real payment processor is configured.
func (c *Config) GatewayEnabled() bool {
	return c.StripeAPIKey != ""
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
