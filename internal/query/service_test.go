package query_test

import (
	"PerpRisk/internal/core"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/projection"
	"PerpRisk/internal/query"
	"PerpRisk/internal/state"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usd = int64(1_000_000)

var alice = uuid.MustParse("00000000-0000-0000-0000-00000000a11c")

type fixture struct {
	eng     *core.Engine
	ledger  *ledger.MemoryLedger
	auth    *core.Authority
	history *projection.MemoryHistory
	qs      *query.QueryService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledger.NewMemoryLedger()
	auth := core.NewAuthority("query-test")
	eng := core.NewEngine(l, auth)
	h := projection.NewMemoryHistory()
	return &fixture{eng: eng, ledger: l, auth: auth, history: h, qs: query.NewQueryService(eng, l, h, nil)}
}

func (f *fixture) market(t *testing.T, symbol string, mark int64) uint64 {
	t.Helper()
	ctx := context.Background()
	m, err := f.eng.CreateMarket(ctx, f.auth.MintAdmin(), symbol, ledger.AssetID(1), state.MarketParams{MaxLeverage: 20, MaintenanceMarginBps: 500})
	require.NoError(t, err)
	require.NoError(t, f.eng.UpdatePrice(ctx, f.auth.MintOracle(), m.ID, mark, mark))
	return m.ID
}

func TestQueryService_BalanceAndPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	btc := f.market(t, "BTC-PERP", 5_000_000) // 50,000
	eth := f.market(t, "ETH-PERP", 300_000)   // 3,000

	require.NoError(t, f.ledger.Deposit(ctx, alice, ledger.AssetID(1), 10_000*usd, "seed"))
	_, err := f.eng.OpenPosition(ctx, alice, btc, state.SideLong, 1_000_000, 5_000*usd, 10)
	require.NoError(t, err)
	_, err = f.eng.OpenPosition(ctx, alice, eth, state.SideShort, 2_000_000, 1_000*usd, 10)
	require.NoError(t, err)

	// BTC up 1,000: long gains 1,000.
	require.NoError(t, f.eng.UpdatePrice(ctx, f.auth.MintOracle(), btc, 5_100_000, 5_100_000))

	positions, err := f.qs.GetPositions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "BTC-PERP", positions[0].Symbol)
	assert.Equal(t, 1_000*usd, positions[0].UnrealizedPnL)
	assert.Equal(t, 51_000*usd, positions[0].Notional)
	assert.Equal(t, int64(2_550*usd), positions[0].MaintenanceMargin)
	assert.False(t, positions[0].IsLiquidatable)
	assert.Equal(t, "ETH-PERP", positions[1].Symbol)
	assert.Zero(t, positions[1].UnrealizedPnL)

	bal, err := f.qs.GetBalance(ctx, alice, "USDT")
	require.NoError(t, err)
	assert.Equal(t, 4_000*usd, bal.AvailableBalance)
	assert.Equal(t, 6_000*usd, bal.PositionMargin)
	assert.Equal(t, 1_000*usd, bal.UnrealizedPnL)
	assert.Equal(t, 11_000*usd, bal.EffectiveEquity)
	assert.Equal(t, f.eng.Sequence(), bal.AsOfSequence)

	_, err = f.qs.GetBalance(ctx, alice, "DOGE")
	assert.ErrorIs(t, err, ledger.ErrUnknownAsset)
}

func TestQueryService_MarginSnapshotFlagsRisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	btc := f.market(t, "BTC-PERP", 5_000_000)

	require.NoError(t, f.ledger.Deposit(ctx, alice, ledger.AssetID(1), 10_000*usd, "seed"))
	_, err := f.eng.OpenPosition(ctx, alice, btc, state.SideLong, 1_000_000, 2_500*usd, 20)
	require.NoError(t, err)

	// Equity 2,500 - 2,000 = 500 < maintenance 2,400.
	require.NoError(t, f.eng.UpdatePrice(ctx, f.auth.MintOracle(), btc, 4_800_000, 4_800_000))

	info, err := f.qs.GetMarginSnapshot(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []uint64{btc}, info.AtRisk)
	assert.Equal(t, -2_000*usd, info.UnrealizedPnL)
	assert.Equal(t, 2_500*usd, info.TotalMargin)
}

func TestQueryService_History(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.history.RecordFunding(ctx, projection.FundingRecord{Sequence: 3, MarketID: 1, Rate: 10}))
	require.NoError(t, f.history.RecordLiquidation(ctx, projection.LiquidationRecord{Sequence: 4, MarketID: 1, Trader: alice}))
	require.NoError(t, f.history.SetWatermark(ctx, 4))

	funding, asOf, err := f.qs.GetFundingHistory(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, funding, 1)
	assert.Equal(t, int64(4), asOf)

	liqs, _, err := f.qs.GetLiquidationHistory(ctx, alice, 10)
	require.NoError(t, err)
	assert.Len(t, liqs, 1)

	_, err = f.qs.GetJournalHistory(ctx, alice, 10, nil)
	assert.ErrorIs(t, err, query.ErrNoEventLog)
}

func TestQueryService_VerifyIntegrity(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Deposit(context.Background(), alice, ledger.AssetID(1), usd, "seed"))

	report, err := f.qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.False(t, report.CheckedEventLog)
}

func TestQueryService_PositionsSurviveOverflowingMark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	btc := f.market(t, "BTC-PERP", 5_000_000)

	require.NoError(t, f.ledger.Deposit(ctx, alice, ledger.AssetID(1), 10_000*usd, "seed"))
	_, err := f.eng.OpenPosition(ctx, alice, btc, state.SideLong, 1_000_000, 5_000*usd, 10)
	require.NoError(t, err)

	// 1 BTC valued at this mark is ~9e19 quote units, past int64.
	const huge = int64(9_000_000_000_000_000)
	require.NoError(t, f.eng.UpdatePrice(ctx, f.auth.MintOracle(), btc, huge, huge))

	positions, err := f.qs.GetPositions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, huge, positions[0].MarkPrice)
	assert.Zero(t, positions[0].Notional)
	assert.Zero(t, positions[0].UnrealizedPnL)
	assert.False(t, positions[0].IsLiquidatable)
}
