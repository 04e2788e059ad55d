package core_test

import (
	"PerpRisk/internal/core"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/state"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario C: a 50x long through a 19% crash is liquidated with bad debt.
func TestScenarioC_CrashLiquidation(t *testing.T) {
	h := newHarness(t)
	id := h.market("BTC-PERP", 100, 100, 50_000)
	h.fund(alice, 1_000*usd)

	_, err := h.eng.OpenPosition(h.ctx, alice, id, state.SideLong, btc/10, 500*usd, 50)
	require.NoError(t, err)

	h.price(id, 40_500)
	liq, err := h.eng.IsLiquidatable(id, alice)
	require.NoError(t, err)
	require.True(t, liq)

	res, err := h.eng.Liquidate(h.ctx, h.keeper, id, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(24_750_000), res.KeeperFee)
	assert.Equal(t, -950*usd, res.RealizedPnL)
	assert.Zero(t, res.TraderPayout)
	assert.Equal(t, int64(470_250_000), res.ToVault)
	assert.Equal(t, int64(479_750_000), res.BadDebt)
	assert.Equal(t, h.keeper.Payout(), res.Keeper)

	assert.Equal(t, int64(24_750_000), h.available(h.keeper.Payout()))
	assert.Equal(t, 500*usd, h.available(alice))
	assert.Zero(t, h.account(id, ledger.SubTypeMarginPool))
	assert.Equal(t, int64(470_250_000), h.account(id, ledger.SubTypePnLVault))

	_, err = h.eng.GetPosition(id, alice)
	require.ErrorIs(t, err, core.ErrPositionNotFound)
	m, _ := h.eng.GetMarket(id)
	assert.Zero(t, m.OpenInterestLong)
	require.NoError(t, h.ledger.CheckInvariants())

	_, err = h.eng.Liquidate(h.ctx, h.keeper, id, alice)
	requireClass(t, err, core.ErrAlreadyLiquidated, core.ClassConcurrency)
	assert.True(t, core.IsConcurrency(err))
}

func TestLiquidate_PaysRemainingEquity(t *testing.T) {
	h := newHarness(t)
	id := h.market("BTC-PERP", 20, 500, 50_000)
	h.fund(alice, 5_000*usd)

	pos, err := h.eng.OpenPosition(h.ctx, alice, id, state.SideLong, btc, 2_600*usd, 20)
	require.NoError(t, err)
	require.Equal(t, 2_550*usd, pos.Margin)

	h.price(id, 48_000)
	res, err := h.eng.Liquidate(h.ctx, h.keeper, id, alice)
	require.NoError(t, err)

	assert.Equal(t, int64(127_500_000), res.KeeperFee)
	assert.Equal(t, 2_000*usd, res.ToVault)
	assert.Equal(t, int64(422_500_000), res.TraderPayout)
	assert.Zero(t, res.BadDebt)
	assert.Equal(t, int64(2_822_500_000), h.available(alice))
	require.NoError(t, h.ledger.CheckInvariants())
}

func TestLiquidate_TombstoneClearedOnReopen(t *testing.T) {
	h := newHarness(t)
	id := h.market("BTC-PERP", 100, 100, 50_000)
	h.fund(alice, 5_000*usd)

	_, err := h.eng.Liquidate(h.ctx, h.keeper, id, alice)
	requireClass(t, err, core.ErrPositionNotFound, core.ClassState)

	_, err = h.eng.OpenPosition(h.ctx, alice, id, state.SideLong, btc/10, 500*usd, 50)
	require.NoError(t, err)
	h.price(id, 40_500)
	_, err = h.eng.Liquidate(h.ctx, h.keeper, id, alice)
	require.NoError(t, err)

	_, err = h.eng.OpenPosition(h.ctx, alice, id, state.SideShort, btc/10, 500*usd, 10)
	require.NoError(t, err)
	_, err = h.eng.ClosePosition(h.ctx, alice, id, btc/10)
	require.NoError(t, err)

	_, err = h.eng.Liquidate(h.ctx, h.keeper, id, alice)
	requireClass(t, err, core.ErrPositionNotFound, core.ClassState)
}

// Liquidate succeeds exactly when IsLiquidatable says so.
func TestLiquidate_AgreesWithIsLiquidatable(t *testing.T) {
	for markUSD := int64(50_000); markUSD >= 46_000; markUSD -= 250 {
		h := newHarness(t)
		id := h.market("BTC-PERP", 20, 500, 50_000)
		h.fund(alice, 5_000*usd)
		_, err := h.eng.OpenPosition(h.ctx, alice, id, state.SideLong, btc, 2_600*usd, 20)
		require.NoError(t, err)

		h.price(id, markUSD)
		want, err := h.eng.IsLiquidatable(id, alice)
		require.NoError(t, err)

		_, err = h.eng.Liquidate(h.ctx, h.keeper, id, alice)
		if want {
			require.NoError(t, err, "mark %d", markUSD)
		} else {
			require.ErrorIs(t, err, core.ErrPositionHealthy, "mark %d", markUSD)
		}
	}
}

func TestLiquidate_ConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	id := h.market("BTC-PERP", 100, 100, 50_000)
	h.fund(alice, 1_000*usd)
	_, err := h.eng.OpenPosition(h.ctx, alice, id, state.SideLong, btc/10, 500*usd, 50)
	require.NoError(t, err)
	h.price(id, 40_500)

	const keepers = 16
	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		losses atomic.Int32
	)
	for i := 0; i < keepers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keeper := h.auth.MintKeeper(uuid.New())
			_, err := h.eng.Liquidate(h.ctx, keeper, id, alice)
			switch {
			case err == nil:
				wins.Add(1)
			case core.IsConcurrency(err):
				losses.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(keepers-1), losses.Load())
	require.NoError(t, h.ledger.CheckInvariants())
}

// Concurrent traffic on several markets keeps open interest equal to the
// sum of position sizes.
func TestConcurrentTraffic_OpenInterestConsistent(t *testing.T) {
	h := newHarness(t)
	markets := []uint64{
		h.market("BTC-PERP", 20, 500, 50_000),
		h.market("ETH-PERP", 20, 500, 3_000),
	}

	traders := make([]uuid.UUID, 8)
	for i := range traders {
		traders[i] = uuid.New()
		h.fund(traders[i], 100_000*usd)
	}

	var wg sync.WaitGroup
	for i, trader := range traders {
		for _, id := range markets {
			wg.Add(1)
			go func(i int, trader uuid.UUID, id uint64) {
				defer wg.Done()
				side := state.SideLong
				if i%2 == 1 {
					side = state.SideShort
				}
				for n := 0; n < 20; n++ {
					if _, err := h.eng.OpenPosition(h.ctx, trader, id, side, btc/100, 1_000*usd, 10); err != nil {
						t.Errorf("open: %v", err)
						return
					}
					if n%3 == 0 {
						if _, err := h.eng.ClosePosition(h.ctx, trader, id, btc/200); err != nil {
							t.Errorf("close: %v", err)
							return
						}
					}
				}
			}(i, trader, id)
		}
	}
	wg.Wait()

	for _, id := range markets {
		m, err := h.eng.GetMarket(id)
		require.NoError(t, err)
		positions, err := h.eng.ListPositions(id)
		require.NoError(t, err)

		var long, short int64
		for _, p := range positions {
			if p.Side == state.SideLong {
				long += p.Size
			} else {
				short += p.Size
			}
		}
		assert.Equal(t, long, m.OpenInterestLong)
		assert.Equal(t, short, m.OpenInterestShort)
		assert.Len(t, positions, len(traders))
	}
	require.NoError(t, h.ledger.CheckInvariants())
}
