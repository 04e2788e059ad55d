package core_test

import (
	"PerpRisk/internal/core"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/state"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitOrder_LongExecutesAtOrBelowTrigger(t *testing.T) {
	h := newHarness(t)
	id := h.market("BTC-PERP", 20, 500, 50_000)
	h.fund(alice, 10_000*usd)

	// required 490, maker fee 2.45 at the trigger
	_, err := h.eng.PlaceLimitOrder(h.ctx, alice, id, state.SideLong, btc/10, 49_000*dollars, 492*usd, 10, time.Hour)
	requireClass(t, err, core.ErrInsufficientMargin, core.ClassEconomic)

	order, err := h.eng.PlaceLimitOrder(h.ctx, alice, id, state.SideLong, btc/10, 49_000*dollars, 1_000*usd, 10, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, state.OrderStatusOpen, order.Status)
	assert.Equal(t, t0.Add(time.Hour), order.Expiry)
	assert.Equal(t, ledger.Balance{Available: 9_000 * usd, Reserved: 1_000 * usd}, h.ledger.Balance(alice, usdt))

	_, err = h.eng.ExecuteOrder(h.ctx, h.keeper, order.ID)
	requireClass(t, err, core.ErrOrderNotTriggered, core.ClassState)

	h.price(id, 49_000)
	pos, err := h.eng.ExecuteOrder(h.ctx, h.keeper, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(997_550_000), pos.Margin)
	assert.Equal(t, 49_000*dollars, pos.EntryPrice)
	assert.Equal(t, ledger.Balance{Available: 9_000 * usd}, h.ledger.Balance(alice, usdt))

	got, err := h.eng.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, state.OrderStatusExecuted, got.Status)

	_, err = h.eng.ExecuteOrder(h.ctx, h.keeper, order.ID)
	requireClass(t, err, core.ErrAlreadyExecuted, core.ClassConcurrency)
	_, err = h.eng.CancelOrder(h.ctx, alice, order.ID)
	requireClass(t, err, core.ErrOrderNotOpen, core.ClassState)
	require.NoError(t, h.ledger.CheckInvariants())
}

func TestLimitOrder_ShortExecutesAtOrAboveTrigger(t *testing.T) {
	h := newHarness(t)
	id := h.market("BTC-PERP", 20, 500, 50_000)
	h.fund(alice, 10_000*usd)

	order, err := h.eng.PlaceLimitOrder(h.ctx, alice, id, state.SideShort, btc/10, 51_000*dollars, 1_000*usd, 10, time.Hour)
	require.NoError(t, err)

	_, err = h.eng.ExecuteOrder(h.ctx, h.keeper, order.ID)
	requireClass(t, err, core.ErrOrderNotTriggered, core.ClassState)

	h.price(id, 51_500)
	pos, err := h.eng.ExecuteOrder(h.ctx, h.keeper, order.ID)
	require.NoError(t, err)
	assert.Equal(t, state.SideShort, pos.Side)
	assert.Equal(t, 51_500*dollars, pos.EntryPrice)
}

func TestCancelOrder_ReturnsEscrowExactly(t *testing.T) {
	h := newHarness(t)
	id := h.market("BTC-PERP", 20, 500, 50_000)
	h.fund(alice, 10_000*usd)
	before := h.ledger.Balance(alice, usdt)

	order, err := h.eng.PlaceLimitOrder(h.ctx, alice, id, state.SideLong, btc/10, 49_000*dollars, 777_777_777, 10, time.Hour)
	require.NoError(t, err)

	_, err = h.eng.CancelOrder(h.ctx, bob, order.ID)
	requireClass(t, err, core.ErrUnauthorized, core.ClassState)

	cancelled, err := h.eng.CancelOrder(h.ctx, alice, order.ID)
	require.NoError(t, err)
	assert.Equal(t, state.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, before, h.ledger.Balance(alice, usdt))

	_, err = h.eng.CancelOrder(h.ctx, alice, order.ID)
	requireClass(t, err, core.ErrOrderNotOpen, core.ClassState)

	h.price(id, 48_000)
	_, err = h.eng.ExecuteOrder(h.ctx, h.keeper, order.ID)
	requireClass(t, err, core.ErrOrderNotOpen, core.ClassState)

	_, err = h.eng.CancelOrder(h.ctx, alice, uuid.New())
	requireClass(t, err, core.ErrOrderNotFound, core.ClassState)
}

func TestExpireOrder(t *testing.T) {
	h := newHarness(t)
	id := h.market("BTC-PERP", 20, 500, 50_000)
	h.fund(alice, 10_000*usd)

	order, err := h.eng.PlaceLimitOrder(h.ctx, alice, id, state.SideLong, btc/10, 49_000*dollars, 1_000*usd, 10, time.Minute)
	require.NoError(t, err)

	_, err = h.eng.ExpireOrder(h.ctx, h.keeper, order.ID)
	requireClass(t, err, core.ErrTooEarly, core.ClassState)

	// Exactly at expiry the order is still live.
	h.clock.Advance(time.Minute)
	_, err = h.eng.ExpireOrder(h.ctx, h.keeper, order.ID)
	requireClass(t, err, core.ErrTooEarly, core.ClassState)

	h.clock.Advance(time.Second)
	h.price(id, 48_000)
	_, err = h.eng.ExecuteOrder(h.ctx, h.keeper, order.ID)
	requireClass(t, err, core.ErrOrderExpired, core.ClassState)

	expired, err := h.eng.ExpireOrder(h.ctx, h.keeper, order.ID)
	require.NoError(t, err)
	assert.Equal(t, state.OrderStatusExpired, expired.Status)
	assert.Equal(t, ledger.Balance{Available: 10_000 * usd}, h.ledger.Balance(alice, usdt))

	_, err = h.eng.ExecuteOrder(h.ctx, h.keeper, order.ID)
	requireClass(t, err, core.ErrOrderNotOpen, core.ClassState)
	_, err = h.eng.ExpireOrder(h.ctx, h.keeper, order.ID)
	requireClass(t, err, core.ErrOrderNotOpen, core.ClassState)
}

func TestExecuteOrder_FailureLeavesOrderOpen(t *testing.T) {
	h := newHarness(t)
	id := h.market("BTC-PERP", 20, 500, 50_000)
	h.fund(alice, 10_000*usd)

	_, err := h.eng.OpenPosition(h.ctx, alice, id, state.SideShort, btc/10, 1_000*usd, 10)
	require.NoError(t, err)
	order, err := h.eng.PlaceLimitOrder(h.ctx, alice, id, state.SideLong, btc/10, 50_000*dollars, 1_000*usd, 10, time.Hour)
	require.NoError(t, err)

	_, err = h.eng.ExecuteOrder(h.ctx, h.keeper, order.ID)
	requireClass(t, err, core.ErrSideConflict, core.ClassState)

	got, err := h.eng.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, state.OrderStatusOpen, got.Status)
	assert.Equal(t, 1_000*usd, h.ledger.Balance(alice, usdt).Reserved)

	_, err = h.eng.CancelOrder(h.ctx, alice, order.ID)
	require.NoError(t, err)
	assert.Zero(t, h.ledger.Balance(alice, usdt).Reserved)
	require.NoError(t, h.ledger.CheckInvariants())
}

func TestExecuteOrder_ConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	id := h.market("BTC-PERP", 20, 500, 50_000)
	h.fund(alice, 10_000*usd)

	order, err := h.eng.PlaceLimitOrder(h.ctx, alice, id, state.SideLong, btc/10, 50_000*dollars, 1_000*usd, 10, time.Hour)
	require.NoError(t, err)

	const keepers = 8
	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		losses atomic.Int32
	)
	for i := 0; i < keepers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.ExecuteOrder(h.ctx, h.keeper, order.ID)
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

	pos, err := h.eng.GetPosition(id, alice)
	require.NoError(t, err)
	assert.Equal(t, btc/10, pos.Size)
}

func TestListOrders(t *testing.T) {
	h := newHarness(t)
	btcID := h.market("BTC-PERP", 20, 500, 50_000)
	ethID := h.market("ETH-PERP", 20, 500, 3_000)
	h.fund(alice, 10_000*usd)

	first, err := h.eng.PlaceLimitOrder(h.ctx, alice, btcID, state.SideLong, btc/10, 49_000*dollars, 1_000*usd, 10, time.Hour)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	second, err := h.eng.PlaceLimitOrder(h.ctx, alice, ethID, state.SideShort, btc, 3_100*dollars, 1_000*usd, 10, time.Hour)
	require.NoError(t, err)

	orders := h.eng.ListOrders(alice)
	require.Len(t, orders, 2)
	assert.Equal(t, second.ID, orders[0].ID)
	assert.Equal(t, first.ID, orders[1].ID)
	assert.Empty(t, h.eng.ListOrders(bob))
}
