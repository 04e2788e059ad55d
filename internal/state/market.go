package state

import (
	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"fmt"
	"time"
)

const MaxLeverageLimit = 100

// MarketParams are the admin-controlled risk parameters of a market.
type MarketParams struct {
	MaxLeverage          int64 `json:"max_leverage"`
	MaintenanceMarginBps int64 `json:"maintenance_margin_bps"`
	TakerFeeBps          int64 `json:"taker_fee_bps"`
	MakerFeeBps          int64 `json:"maker_fee_bps"`
}

// Validate checks 1 <= max_leverage <= 100 and every bps value < 10000.
func (p MarketParams) Validate() error {
	if p.MaxLeverage < 1 || p.MaxLeverage > MaxLeverageLimit {
		return fmt.Errorf("max_leverage must be in [1,%d], got %d", MaxLeverageLimit, p.MaxLeverage)
	}
	if p.MaintenanceMarginBps < 0 || p.MaintenanceMarginBps >= fpmath.BpsDenominator {
		return fmt.Errorf("maintenance_margin_bps must be in [0,%d), got %d", fpmath.BpsDenominator, p.MaintenanceMarginBps)
	}
	if p.TakerFeeBps < 0 || p.TakerFeeBps >= fpmath.BpsDenominator {
		return fmt.Errorf("taker_fee_bps must be in [0,%d), got %d", fpmath.BpsDenominator, p.TakerFeeBps)
	}
	if p.MakerFeeBps < 0 || p.MakerFeeBps >= fpmath.BpsDenominator {
		return fmt.Errorf("maker_fee_bps must be in [0,%d), got %d", fpmath.BpsDenominator, p.MakerFeeBps)
	}
	return nil
}

// Market is a perpetual contract and its aggregate state.
type Market struct {
	ID              uint64         `json:"id"`
	Symbol          string         `json:"symbol"`
	CollateralAsset ledger.AssetID `json:"collateral_asset"`
	Params          MarketParams   `json:"params"`
	CreatedAt       time.Time      `json:"created_at"`

	IndexPrice     int64     `json:"index_price"`
	MarkPrice      int64     `json:"mark_price"`
	PriceUpdatedAt time.Time `json:"price_updated_at"`

	OpenInterestLong  int64 `json:"open_interest_long"`
	OpenInterestShort int64 `json:"open_interest_short"`

	FundingRate       int64     `json:"funding_rate"`
	LongFundingIndex  int64     `json:"long_funding_index"`
	ShortFundingIndex int64     `json:"short_funding_index"`
	LastFundingTime   time.Time `json:"last_funding_time"`

	Paused bool `json:"paused"`
}

// HasPrice reports whether the oracle has ever priced the market.
func (m *Market) HasPrice() bool {
	return !m.PriceUpdatedAt.IsZero() && m.MarkPrice > 0
}

// IsStale reports whether the price is older than maxAge at now.
// A market that was never priced is always stale.
func (m *Market) IsStale(now time.Time, maxAge time.Duration) bool {
	if !m.HasPrice() {
		return true
	}
	return now.Sub(m.PriceUpdatedAt) > maxAge
}

// FundingIndex returns the cumulative index of the given side.
func (m *Market) FundingIndex(side Side) int64 {
	if side == SideShort {
		return m.ShortFundingIndex
	}
	return m.LongFundingIndex
}

// OpenInterest returns the open interest of the given side.
func (m *Market) OpenInterest(side Side) int64 {
	if side == SideShort {
		return m.OpenInterestShort
	}
	return m.OpenInterestLong
}

// AdjustOpenInterest adds delta to the side's open interest.
func (m *Market) AdjustOpenInterest(side Side, delta int64) {
	if side == SideShort {
		m.OpenInterestShort += delta
	} else {
		m.OpenInterestLong += delta
	}
}

// CanonicalBytes returns deterministic serialization for hashing
func (m *Market) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = appendInt64LE(buf, int64(m.ID))
	buf = append(buf, byte(len(m.Symbol)))
	buf = append(buf, m.Symbol...)
	buf = appendInt64LE(buf, m.Params.MaxLeverage)
	buf = appendInt64LE(buf, m.Params.MaintenanceMarginBps)
	buf = appendInt64LE(buf, m.Params.TakerFeeBps)
	buf = appendInt64LE(buf, m.Params.MakerFeeBps)
	buf = appendInt64LE(buf, m.MarkPrice)
	buf = appendInt64LE(buf, m.OpenInterestLong)
	buf = appendInt64LE(buf, m.OpenInterestShort)
	buf = appendInt64LE(buf, m.FundingRate)
	buf = appendInt64LE(buf, m.LongFundingIndex)
	buf = appendInt64LE(buf, m.ShortFundingIndex)
	if m.Paused {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	return buf
}
