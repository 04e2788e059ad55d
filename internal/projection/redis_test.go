package projection_test

import (
	"PerpRisk/internal/core"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/projection"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSink_Integration(t *testing.T) {
	rdb := testutil.SetupTestRedis(t)
	ctx := context.Background()

	l := ledger.NewMemoryLedger()
	auth := core.NewAuthority("redis-it")
	out := make(chan core.Output, 64)
	eng := core.NewEngine(l, auth, core.WithOutputs(nil, out))

	m, err := eng.CreateMarket(ctx, auth.MintAdmin(), "BTC-PERP", ledger.AssetID(1), state.MarketParams{MaxLeverage: 20, MaintenanceMarginBps: 500})
	require.NoError(t, err)
	require.NoError(t, eng.UpdatePrice(ctx, auth.MintOracle(), m.ID, 5_000_000, 5_000_000))
	require.NoError(t, l.Deposit(ctx, alice, ledger.AssetID(1), 10_000_000_000, "seed"))
	_, err = eng.OpenPosition(ctx, alice, m.ID, state.SideLong, 1_000_000, 5_000_000_000, 10)
	require.NoError(t, err)

	sink := projection.NewRedisSink(rdb, eng, 0)
	close(out)
	for o := range out {
		require.NoError(t, sink.Apply(ctx, o.Envelope))
	}

	mv, ok, err := sink.Market(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5_000_000), mv.MarkPrice)

	pv, ok, err := sink.Position(ctx, m.ID, alice)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1_000_000), pv.Size)

	keys, err := sink.TraderPositionKeys(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{projection.PositionKey(m.ID, alice)}, keys)
}
