package server

import (
	"PerpRisk/internal/event"
	"PerpRisk/internal/projection"
	"PerpRisk/internal/query"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

// Amounts and prices travel as decimal strings ("50000.25", "0.5") and are
// converted to fixed point at the edge. Leverage is a whole multiple.

type Empty struct{}

type Ack struct {
	Sequence int64 `json:"sequence"`
}

type CreateMarketRequest struct {
	Symbol string             `json:"symbol"`
	Asset  string             `json:"asset"` // defaults to USDT
	Params state.MarketParams `json:"params"`
}

type SetMarketParamsRequest struct {
	MarketID uint64             `json:"market_id"`
	Params   state.MarketParams `json:"params"`
}

type MarketRequest struct {
	MarketID uint64 `json:"market_id"`
}

type SetLiquidationFeeRequest struct {
	Bps int64 `json:"bps"`
}

type UpdatePriceRequest struct {
	MarketID   uint64 `json:"market_id"`
	IndexPrice string `json:"index_price"`
	MarkPrice  string `json:"mark_price"`
}

type OpenPositionRequest struct {
	MarketID uint64     `json:"market_id"`
	Side     state.Side `json:"side"`
	Size     string     `json:"size"`
	Margin   string     `json:"margin"`
	Leverage int64      `json:"leverage"`
}

type ClosePositionRequest struct {
	MarketID uint64 `json:"market_id"`
	Size     string `json:"size"`
}

type MarginRequest struct {
	MarketID uint64 `json:"market_id"`
	Amount   string `json:"amount"`
}

type PlaceOrderRequest struct {
	MarketID     uint64     `json:"market_id"`
	Side         state.Side `json:"side"`
	Size         string     `json:"size"`
	TriggerPrice string     `json:"trigger_price"`
	Margin       string     `json:"margin"`
	Leverage     int64      `json:"leverage"`
	TTLSeconds   int64      `json:"ttl_seconds"`
}

type OrderRequest struct {
	OrderID uuid.UUID `json:"order_id"`
}

type PositionRequest struct {
	MarketID uint64    `json:"market_id"`
	Trader   uuid.UUID `json:"trader"`
}

type TraderRequest struct {
	Trader        uuid.UUID `json:"trader"`
	Asset         string    `json:"asset"`
	Limit         int       `json:"limit"`
	AfterSequence int64     `json:"after_sequence"`
}

type FundingHistoryRequest struct {
	MarketID uint64 `json:"market_id"`
	Limit    int    `json:"limit"`
}

type DepositRequest struct {
	Trader uuid.UUID `json:"trader"`
	Asset  string    `json:"asset"`
	Amount string    `json:"amount"`
	Ref    string    `json:"ref"`
}

type WithdrawRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Ref    string `json:"ref"`
}

type StatusReply struct {
	Sequence          int64 `json:"sequence"`
	LiquidationFeeBps int64 `json:"liquidation_fee_bps"`
	Markets           int   `json:"markets"`
}

type MarketsReply struct {
	Markets []state.Market `json:"markets"`
}

type PositionView struct {
	state.Position
	UnrealizedPnL  int64 `json:"unrealized_pnl"`
	IsLiquidatable bool  `json:"is_liquidatable"`
}

type PositionsReply struct {
	Positions []state.Position `json:"positions"`
}

type TraderPositionsReply struct {
	Positions []query.PositionResponse `json:"positions"`
}

type OrdersReply struct {
	Orders []state.Order `json:"orders"`
}

type FundingHistoryReply struct {
	Records      []projection.FundingRecord `json:"records"`
	AsOfSequence int64                      `json:"as_of_sequence"`
}

type LiquidationHistoryReply struct {
	Records      []projection.LiquidationRecord `json:"records"`
	AsOfSequence int64                          `json:"as_of_sequence"`
}

type JournalsReply struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

// Replies reused straight from the engine.
type (
	MarketReply     = state.Market
	PositionReply   = state.Position
	OrderReply      = state.Order
	ClosedReply     = event.PositionClosed
	LiquidatedReply = event.PositionLiquidated
	FundingReply    = event.FundingApplied
)
