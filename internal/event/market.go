package event

import (
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/state"
)

// MarketCreated is emitted once per market by CreateMarket.
type MarketCreated struct {
	MarketID        uint64             `json:"market_id"`
	Symbol          string             `json:"symbol"`
	CollateralAsset ledger.AssetID     `json:"collateral_asset"`
	Params          state.MarketParams `json:"params"`
}

func (m *MarketCreated) EventType() EventType { return EventTypeMarketCreated }
func (m *MarketCreated) Market() uint64       { return m.MarketID }

// MarketParamsUpdated carries both parameter sets of an admin change.
type MarketParamsUpdated struct {
	MarketID uint64             `json:"market_id"`
	Old      state.MarketParams `json:"old"`
	New      state.MarketParams `json:"new"`
}

func (m *MarketParamsUpdated) EventType() EventType { return EventTypeMarketParamsUpdated }
func (m *MarketParamsUpdated) Market() uint64       { return m.MarketID }

// MarketPauseChanged is emitted by Pause and Unpause.
type MarketPauseChanged struct {
	MarketID uint64 `json:"market_id"`
	Paused   bool   `json:"paused"`
}

func (m *MarketPauseChanged) EventType() EventType { return EventTypeMarketPauseChanged }
func (m *MarketPauseChanged) Market() uint64       { return m.MarketID }

// PriceUpdated is an accepted oracle write.
type PriceUpdated struct {
	MarketID   uint64 `json:"market_id"`
	IndexPrice int64  `json:"index_price"` // price scale
	MarkPrice  int64  `json:"mark_price"`  // price scale
}

func (p *PriceUpdated) EventType() EventType { return EventTypePriceUpdated }
func (p *PriceUpdated) Market() uint64       { return p.MarketID }

// LiquidationFeeUpdated is the engine-wide keeper fee change. Global event.
type LiquidationFeeUpdated struct {
	OldBps int64 `json:"old_bps"`
	NewBps int64 `json:"new_bps"`
}

func (l *LiquidationFeeUpdated) EventType() EventType { return EventTypeLiquidationFeeUpdated }
func (l *LiquidationFeeUpdated) Market() uint64       { return 0 }
