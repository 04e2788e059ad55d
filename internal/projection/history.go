package projection

import (
	"PerpRisk/internal/event"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FundingRecord is one applied funding interval.
type FundingRecord struct {
	Sequence          int64     `json:"sequence"`
	MarketID          uint64    `json:"market_id"`
	Rate              int64     `json:"rate"`
	MarkPrice         int64     `json:"mark_price"`
	OpenInterestLong  int64     `json:"open_interest_long"`
	OpenInterestShort int64     `json:"open_interest_short"`
	LongIndex         int64     `json:"long_index"`
	ShortIndex        int64     `json:"short_index"`
	AppliedAt         time.Time `json:"applied_at"`
}

// LiquidationRecord is one forced close.
type LiquidationRecord struct {
	Sequence      int64     `json:"sequence"`
	LiquidationID uuid.UUID `json:"liquidation_id"`
	MarketID      uint64    `json:"market_id"`
	Trader        uuid.UUID `json:"trader"`
	Keeper        uuid.UUID `json:"keeper"`
	Side          string    `json:"side"`
	Size          int64     `json:"size"`
	EntryPrice    int64     `json:"entry_price"`
	MarkPrice     int64     `json:"mark_price"`
	RealizedPnL   int64     `json:"realized_pnl"`
	KeeperFee     int64     `json:"keeper_fee"`
	TraderPayout  int64     `json:"trader_payout"`
	BadDebt       int64     `json:"bad_debt"`
	LiquidatedAt  time.Time `json:"liquidated_at"`
}

// HistoryStore receives history rows from the projection worker.
type HistoryStore interface {
	RecordFunding(ctx context.Context, rec FundingRecord) error
	RecordLiquidation(ctx context.Context, rec LiquidationRecord) error
	SetWatermark(ctx context.Context, sequence int64) error
}

// HistoryReader serves history queries. Results are newest first.
type HistoryReader interface {
	FundingHistory(ctx context.Context, marketID uint64, limit int) ([]FundingRecord, error)
	LiquidationHistory(ctx context.Context, trader uuid.UUID, limit int) ([]LiquidationRecord, error)
	Watermark(ctx context.Context) (int64, error)
}

// FundingFromEvent builds the history row for a FundingApplied envelope.
func FundingFromEvent(env *event.Envelope, f *event.FundingApplied) FundingRecord {
	return FundingRecord{
		Sequence:          env.Sequence,
		MarketID:          f.MarketID,
		Rate:              f.Rate,
		MarkPrice:         f.MarkPrice,
		OpenInterestLong:  f.OpenInterestLong,
		OpenInterestShort: f.OpenInterestShort,
		LongIndex:         f.LongFundingIndex,
		ShortIndex:        f.ShortFundingIndex,
		AppliedAt:         env.Timestamp,
	}
}

// LiquidationFromEvent builds the history row for a PositionLiquidated envelope.
func LiquidationFromEvent(env *event.Envelope, l *event.PositionLiquidated) LiquidationRecord {
	return LiquidationRecord{
		Sequence:      env.Sequence,
		LiquidationID: l.LiquidationID,
		MarketID:      l.MarketID,
		Trader:        l.Trader,
		Keeper:        l.Keeper,
		Side:          l.Side.String(),
		Size:          l.Size,
		EntryPrice:    l.EntryPrice,
		MarkPrice:     l.MarkPrice,
		RealizedPnL:   l.RealizedPnL,
		KeeperFee:     l.KeeperFee,
		TraderPayout:  l.TraderPayout,
		BadDebt:       l.BadDebt,
		LiquidatedAt:  env.Timestamp,
	}
}

// MemoryHistory keeps history in process. Used when no Postgres is
// configured and in tests.
type MemoryHistory struct {
	mu           sync.RWMutex
	funding      []FundingRecord
	liquidations []LiquidationRecord
	watermark    int64
}

var (
	_ HistoryStore  = (*MemoryHistory)(nil)
	_ HistoryReader = (*MemoryHistory)(nil)
)

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) RecordFunding(_ context.Context, rec FundingRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funding = append(h.funding, rec)
	return nil
}

func (h *MemoryHistory) RecordLiquidation(_ context.Context, rec LiquidationRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liquidations = append(h.liquidations, rec)
	return nil
}

func (h *MemoryHistory) SetWatermark(_ context.Context, sequence int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sequence > h.watermark {
		h.watermark = sequence
	}
	return nil
}

// FundingHistory returns funding history for a market
func (h *MemoryHistory) FundingHistory(_ context.Context, marketID uint64, limit int) ([]FundingRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]FundingRecord, 0)
	for i := len(h.funding) - 1; i >= 0 && len(result) < limit; i-- {
		if h.funding[i].MarketID == marketID {
			result = append(result, h.funding[i])
		}
	}
	return result, nil
}

// LiquidationHistory returns liquidations of a trader across markets
func (h *MemoryHistory) LiquidationHistory(_ context.Context, trader uuid.UUID, limit int) ([]LiquidationRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationRecord, 0)
	for i := len(h.liquidations) - 1; i >= 0 && len(result) < limit; i-- {
		if h.liquidations[i].Trader == trader {
			result = append(result, h.liquidations[i])
		}
	}
	return result, nil
}

func (h *MemoryHistory) Watermark(_ context.Context) (int64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.watermark, nil
}
