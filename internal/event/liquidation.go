package event

import (
	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

// PositionLiquidated records a keeper force-close at mark.
type PositionLiquidated struct {
	LiquidationID uuid.UUID  `json:"liquidation_id"`
	MarketID      uint64     `json:"market_id"`
	Trader        uuid.UUID  `json:"trader"`
	Keeper        uuid.UUID  `json:"keeper"`
	Side          state.Side `json:"side"`
	Size          int64      `json:"size"`
	EntryPrice    int64      `json:"entry_price"`
	MarkPrice     int64      `json:"mark_price"`
	Margin        int64      `json:"margin"` // after funding settlement
	RealizedPnL   int64      `json:"realized_pnl"`
	KeeperFee     int64      `json:"keeper_fee"`
	TraderPayout  int64      `json:"trader_payout"`
	ToVault       int64      `json:"to_vault"`
	BadDebt       int64      `json:"bad_debt"` // loss not covered by margin
	FundingPaid   int64      `json:"funding_paid"`
}

func (l *PositionLiquidated) EventType() EventType { return EventTypePositionLiquidated }
func (l *PositionLiquidated) Market() uint64       { return l.MarketID }
