package config_test

import (
	"PerpRisk/internal/config"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, 50, cfg.PersistBatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.PersistFlushTimeout)

	eng := cfg.Engine()
	assert.Equal(t, 60*time.Second, eng.MaxPriceStaleness)
	assert.Equal(t, 8*time.Hour, eng.FundingInterval)
	assert.Equal(t, int64(10_000), eng.FundingRateCap)
	assert.Equal(t, int64(500), eng.LiquidationFeeBps)
}

func TestFromEnv_Overrides(t *testing.T) {
	payout := uuid.MustParse("00000000-0000-0000-0000-0000000ee9e7")
	t.Setenv("PERP_GRPC_ADDR", ":7000")
	t.Setenv("PERP_FUNDING_INTERVAL", "1h")
	t.Setenv("PERP_FUNDING_RATE_CAP", "0.0005")
	t.Setenv("PERP_KEEPER_TOKENS", "k1:"+payout.String())

	cfg, err := config.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.GRPCAddr)
	assert.Equal(t, time.Hour, cfg.Engine().FundingInterval)
	assert.Equal(t, int64(50_000), cfg.Engine().FundingRateCap)

	keepers, err := cfg.KeeperPayouts()
	require.NoError(t, err)
	assert.Equal(t, map[string]uuid.UUID{"k1": payout}, keepers)
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"too precise rate cap", "PERP_FUNDING_RATE_CAP", "0.000000001"},
		{"liquidation fee at 100%", "PERP_LIQUIDATION_FEE_BPS", "10000"},
		{"zero batch size", "PERP_PERSIST_BATCH_SIZE", "0"},
		{"negative staleness", "PERP_MAX_PRICE_STALENESS", "-1s"},
		{"bad keeper payout", "PERP_KEEPER_TOKENS", "k1:not-a-uuid"},
		{"unparseable duration", "PERP_FUNDING_INTERVAL", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := config.FromEnv()
			assert.Error(t, err)
		})
	}
}
