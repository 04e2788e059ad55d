package event

import (
	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

// PositionOpened covers both a fresh open and an increase of an existing
// position. Position is the state after the fill.
type PositionOpened struct {
	MarketID    uint64         `json:"market_id"`
	Trader      uuid.UUID      `json:"trader"`
	Size        int64          `json:"size"`   // size added by this fill
	Margin      int64          `json:"margin"` // margin deposited, fee included
	Fee         int64          `json:"fee"`
	FillPrice   int64          `json:"fill_price"`
	Increased   bool           `json:"increased"`
	FundingPaid int64          `json:"funding_paid"` // settled before merge; negative is a credit
	OrderID     *uuid.UUID     `json:"order_id,omitempty"`
	Position    state.Position `json:"position"`
}

func (p *PositionOpened) EventType() EventType { return EventTypePositionOpened }
func (p *PositionOpened) Market() uint64       { return p.MarketID }

// PositionClosed is a full or partial trader close. Position is nil after
// a full close.
type PositionClosed struct {
	MarketID      uint64          `json:"market_id"`
	Trader        uuid.UUID       `json:"trader"`
	Side          state.Side      `json:"side"`
	ClosedSize    int64           `json:"closed_size"`
	ExitPrice     int64           `json:"exit_price"`
	MarginPortion int64           `json:"margin_portion"`
	RealizedPnL   int64           `json:"realized_pnl"`
	Payout        int64           `json:"payout"`
	FundingPaid   int64           `json:"funding_paid"`
	Position      *state.Position `json:"position,omitempty"`
}

func (p *PositionClosed) EventType() EventType { return EventTypePositionClosed }
func (p *PositionClosed) Market() uint64       { return p.MarketID }

// MarginChanged is emitted by AddMargin and RemoveMargin.
type MarginChanged struct {
	MarketID    uint64         `json:"market_id"`
	Trader      uuid.UUID      `json:"trader"`
	Amount      int64          `json:"amount"`
	Removed     bool           `json:"removed"`
	FundingPaid int64          `json:"funding_paid"`
	Position    state.Position `json:"position"`
}

func (m *MarginChanged) EventType() EventType {
	if m.Removed {
		return EventTypeMarginRemoved
	}
	return EventTypeMarginAdded
}

func (m *MarginChanged) Market() uint64 { return m.MarketID }
