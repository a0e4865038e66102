package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("STRIPE_API_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, DefaultShipmentReleaseBps, cfg.ShipmentReleaseBps)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.GatewayEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("PORT", "9090")
	t.Setenv("STRIPE_API_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_456")
	t.Setenv("SHIPMENT_RELEASE_BPS", "5000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5000, cfg.ShipmentReleaseBps)
	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.GatewayEnabled())
}

func TestValidate_ProductionRequiresGateway(t *testing.T) {
	cfg := &Config{Env: "production", ShipmentReleaseBps: 7000}
	assert.Error(t, cfg.Validate())

	cfg.StripeAPIKey = "sk_test_123"
	assert.Error(t, cfg.Validate())

	cfg.StripeWebhookSecret = "whsec_456"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ReleaseBpsRange(t *testing.T) {
	for _, bps := range []int{0, -1, 10001} {
		cfg := &Config{Env: "development", ShipmentReleaseBps: bps}
		assert.Error(t, cfg.Validate(), "bps %d should be rejected", bps)
	}

	cfg := &Config{Env: "development", ShipmentReleaseBps: 10000}
	assert.NoError(t, cfg.Validate())
}
