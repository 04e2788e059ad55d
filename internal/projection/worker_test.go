package projection_test

import (
	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/projection"
	"PerpRisk/internal/state"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	t0     = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	alice  = uuid.MustParse("00000000-0000-0000-0000-00000000a11c")
	keeper = uuid.MustParse("00000000-0000-0000-0000-0000000000ee")
)

type recordingViews struct {
	seen []int64
	err  error
}

func (r *recordingViews) Apply(_ context.Context, env *event.Envelope) error {
	r.seen = append(r.seen, env.Sequence)
	return r.err
}

func envelope(seq int64, evt event.Event) *event.Envelope {
	return event.NewEnvelope(seq, evt, t0.Add(time.Duration(seq)*time.Second))
}

func TestProjectionWorker_RecordsHistory(t *testing.T) {
	history := projection.NewMemoryHistory()
	views := &recordingViews{}
	in := make(chan core.Output, 8)
	w := projection.NewProjectionWorker(history, views, in, nil, zerolog.Nop())

	in <- core.Output{Envelope: envelope(1, &event.PriceUpdated{MarketID: 1, IndexPrice: 5_000_000, MarkPrice: 5_000_000})}
	in <- core.Output{Envelope: envelope(2, &event.FundingApplied{MarketID: 1, Rate: 3333, LongFundingIndex: 7, ShortFundingIndex: -7})}
	in <- core.Output{Envelope: envelope(3, &event.PositionLiquidated{
		LiquidationID: uuid.New(), MarketID: 1, Trader: alice, Keeper: keeper,
		Side: state.SideLong, Size: 1_000_000, KeeperFee: 24_750_000, BadDebt: 479_750_000,
	})}
	in <- core.Output{Envelope: envelope(4, &event.FundingApplied{MarketID: 2, Rate: -1})}
	close(in)

	require.NoError(t, w.Run(context.Background()))
	ctx := context.Background()

	assert.Equal(t, []int64{1, 2, 3, 4}, views.seen)
	assert.Equal(t, int64(4), w.LastSequence())

	wm, err := history.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), wm)

	funding, err := history.FundingHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, funding, 1)
	assert.Equal(t, int64(3333), funding[0].Rate)
	assert.Equal(t, int64(7), funding[0].LongIndex)
	assert.Equal(t, t0.Add(2*time.Second), funding[0].AppliedAt)

	liqs, err := history.LiquidationHistory(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, liqs, 1)
	assert.Equal(t, "LONG", liqs[0].Side)
	assert.Equal(t, int64(479_750_000), liqs[0].BadDebt)
	assert.Equal(t, keeper, liqs[0].Keeper)

	none, err := history.LiquidationHistory(ctx, keeper, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestProjectionWorker_ViewFailureIsCounted(t *testing.T) {
	history := projection.NewMemoryHistory()
	views := &recordingViews{err: errors.New("redis down")}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	w := projection.NewProjectionWorker(history, views, nil, metrics, zerolog.Nop())

	w.Process(context.Background(), envelope(9, &event.FundingApplied{MarketID: 1, Rate: 1}))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ProjectionErrors.WithLabelValues("views")))
	// History still advances.
	funding, _ := history.FundingHistory(context.Background(), 1, 10)
	assert.Len(t, funding, 1)
	assert.Equal(t, int64(9), w.LastSequence())
}

func TestMemoryHistory_NewestFirstWithLimit(t *testing.T) {
	h := projection.NewMemoryHistory()
	ctx := context.Background()
	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, h.RecordFunding(ctx, projection.FundingRecord{Sequence: seq, MarketID: 1}))
	}

	got, err := h.FundingHistory(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(5), got[0].Sequence)
	assert.Equal(t, int64(4), got[1].Sequence)

	// Watermark never moves backwards.
	require.NoError(t, h.SetWatermark(ctx, 10))
	require.NoError(t, h.SetWatermark(ctx, 3))
	wm, _ := h.Watermark(ctx)
	assert.Equal(t, int64(10), wm)
}
