package core_test

import (
	"PerpRisk/internal/core"
	"PerpRisk/internal/state"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// touch settles pending funding by adding one unit of margin and returns
// what the position paid (negative when credited).
func (h *harness) touch(marketID uint64, trader uuid.UUID) int64 {
	h.t.Helper()
	before, err := h.eng.GetPosition(marketID, trader)
	require.NoError(h.t, err)
	after, err := h.eng.AddMargin(h.ctx, trader, marketID, 1)
	require.NoError(h.t, err)
	return before.Margin + 1 - after.Margin
}

func TestApplyFunding_TooEarly(t *testing.T) {
	h := newHarness(t)
	id := h.market("BTC-PERP", 20, 500, 50_000)

	_, err := h.eng.ApplyFunding(h.ctx, h.keeper, id)
	requireClass(t, err, core.ErrTooEarly, core.ClassState)

	h.clock.Advance(8*time.Hour - time.Second)
	h.price(id, 50_000)
	_, err = h.eng.ApplyFunding(h.ctx, h.keeper, id)
	requireClass(t, err, core.ErrTooEarly, core.ClassState)

	h.clock.Advance(61 * time.Second)
	_, err = h.eng.ApplyFunding(h.ctx, h.keeper, id)
	requireClass(t, err, core.ErrStalePrice, core.ClassState)

	h.price(id, 50_000)
	_, err = h.eng.ApplyFunding(h.ctx, h.keeper, id)
	require.NoError(t, err)

	_, err = h.eng.ApplyFunding(h.ctx, h.keeper, id)
	requireClass(t, err, core.ErrTooEarly, core.ClassState)
}

func TestApplyFunding_LongsPayShortsConserved(t *testing.T) {
	h := newHarness(t)
	id := h.market("BTC-PERP", 20, 500, 50_000)
	for _, tr := range []uuid.UUID{alice, bob, carol} {
		h.fund(tr, 10_000*usd)
	}

	_, err := h.eng.OpenPosition(h.ctx, alice, id, state.SideLong, 300_000, 2_000*usd, 10)
	require.NoError(t, err)
	_, err = h.eng.OpenPosition(h.ctx, bob, id, state.SideLong, 100_000, 1_000*usd, 10)
	require.NoError(t, err)
	_, err = h.eng.OpenPosition(h.ctx, carol, id, state.SideShort, 200_000, 2_000*usd, 10)
	require.NoError(t, err)

	h.clock.Advance(8 * time.Hour)
	h.price(id, 50_000)
	applied, err := h.eng.ApplyFunding(h.ctx, h.keeper, id)
	require.NoError(t, err)

	assert.Equal(t, int64(3_333), applied.Rate)
	assert.Equal(t, int64(1_666_500_000_000), applied.LongIndexDelta)
	assert.Equal(t, int64(-3_333_000_000_000), applied.ShortIndexDelta)

	m, _ := h.eng.GetMarket(id)
	assert.Equal(t, int64(3_333), m.FundingRate)
	assert.Equal(t, h.clock.Now(), m.LastFundingTime)

	// Nothing moves until each position is touched.
	pos, _ := h.eng.GetPosition(id, alice)
	assert.Equal(t, 1_985*usd, pos.Margin)

	alicePaid := h.touch(id, alice)
	bobPaid := h.touch(id, bob)
	carolPaid := h.touch(id, carol)

	assert.Equal(t, int64(499_950), alicePaid)
	assert.Equal(t, int64(166_650), bobPaid)
	assert.Equal(t, int64(-666_600), carolPaid)

	debits := alicePaid + bobPaid
	credits := -carolPaid
	assert.GreaterOrEqual(t, debits, credits)
	assert.LessOrEqual(t, debits-credits, int64(3))

	// A second touch settles nothing.
	assert.Zero(t, h.touch(id, alice))
}

func TestApplyFunding_ShortsPayWhenShortHeavy(t *testing.T) {
	h := newHarness(t)
	id := h.market("BTC-PERP", 20, 500, 50_000)
	h.fund(alice, 10_000*usd)
	h.fund(carol, 10_000*usd)

	_, err := h.eng.OpenPosition(h.ctx, alice, id, state.SideLong, 100_000, 1_000*usd, 10)
	require.NoError(t, err)
	_, err = h.eng.OpenPosition(h.ctx, carol, id, state.SideShort, 300_000, 2_000*usd, 10)
	require.NoError(t, err)

	h.clock.Advance(8 * time.Hour)
	h.price(id, 50_000)
	applied, err := h.eng.ApplyFunding(h.ctx, h.keeper, id)
	require.NoError(t, err)

	assert.Equal(t, int64(-5_000), applied.Rate)
	assert.Equal(t, int64(2_500_000_000_000), applied.ShortIndexDelta)
	assert.Equal(t, int64(-7_500_000_000_000), applied.LongIndexDelta)

	assert.Equal(t, int64(-750_000), h.touch(id, alice))
	assert.Equal(t, int64(750_000), h.touch(id, carol))
}

func TestApplyFunding_OneSidedIsZero(t *testing.T) {
	h := newHarness(t)
	id := h.market("BTC-PERP", 20, 500, 50_000)
	h.fund(alice, 10_000*usd)
	_, err := h.eng.OpenPosition(h.ctx, alice, id, state.SideLong, btc/10, 1_000*usd, 10)
	require.NoError(t, err)

	h.clock.Advance(8 * time.Hour)
	h.price(id, 50_000)
	applied, err := h.eng.ApplyFunding(h.ctx, h.keeper, id)
	require.NoError(t, err)
	assert.Zero(t, applied.Rate)
	assert.Zero(t, applied.LongFundingIndex)
	assert.Zero(t, applied.ShortFundingIndex)
	assert.Zero(t, h.touch(id, alice))
}

func TestApplyFunding_DebitBeyondMarginClamps(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.FundingRateCap = 100_000_000 // 100% per interval
	h := newHarness(t, core.WithConfig(cfg))
	id := h.market("BTC-PERP", 20, 500, 50_000)
	h.fund(alice, 10_000*usd)
	h.fund(bob, 10_000*usd)

	_, err := h.eng.OpenPosition(h.ctx, alice, id, state.SideLong, btc/10, 1_000*usd, 10)
	require.NoError(t, err)
	_, err = h.eng.OpenPosition(h.ctx, bob, id, state.SideShort, btc/100, 100*usd, 10)
	require.NoError(t, err)

	h.clock.Advance(8 * time.Hour)
	h.price(id, 50_000)
	_, err = h.eng.ApplyFunding(h.ctx, h.keeper, id)
	require.NoError(t, err)

	// Pending funding counts toward health before it is settled.
	liq, err := h.eng.IsLiquidatable(id, alice)
	require.NoError(t, err)
	assert.True(t, liq)

	pos, err := h.eng.AddMargin(h.ctx, alice, id, usd)
	require.NoError(t, err)
	assert.Equal(t, usd, pos.Margin)
}
