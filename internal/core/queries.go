package core

import (
	"PerpRisk/internal/state"
	"sort"

	"github.com/google/uuid"
)

// Queries never mutate and work on paused markets and stale prices.

const (
	opGetMarket        = "GetMarket"
	opGetPosition      = "GetPosition"
	opGetUnrealizedPnL = "GetUnrealizedPnL"
	opGetOrder         = "GetOrder"
	opListPositions    = "ListPositions"
)

func (e *Engine) GetMarket(marketID uint64) (state.Market, error) {
	b, err := e.lookup(opGetMarket, marketID)
	if err != nil {
		return state.Market{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.market, nil
}

// GetPosition returns the stored position. Margin does not include funding
// accrued since the position was last touched.
func (e *Engine) GetPosition(marketID uint64, trader uuid.UUID) (state.Position, error) {
	b, err := e.lookup(opGetPosition, marketID)
	if err != nil {
		return state.Position{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions.Get(trader)
	if !ok {
		return state.Position{}, fail(opGetPosition, ErrPositionNotFound, "market %d trader %s", marketID, trader)
	}
	return pos, nil
}

// GetUnrealizedPnL values the position at the current mark.
func (e *Engine) GetUnrealizedPnL(marketID uint64, trader uuid.UUID) (int64, error) {
	b, err := e.lookup(opGetUnrealizedPnL, marketID)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions.Get(trader)
	if !ok {
		return 0, fail(opGetUnrealizedPnL, ErrPositionNotFound, "market %d trader %s", marketID, trader)
	}
	if _, err := checkedNotional(opGetUnrealizedPnL, pos.Size, b.market.MarkPrice); err != nil {
		return 0, err
	}
	return checkedPnL(opGetUnrealizedPnL, &pos, b.market.MarkPrice, pos.Size)
}

// IsLiquidatable reports whether Liquidate would accept the position at
// the current mark, ignoring pause and staleness.
func (e *Engine) IsLiquidatable(marketID uint64, trader uuid.UUID) (bool, error) {
	b, err := e.lookup(opIsLiquidatable, marketID)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions.Get(trader)
	if !ok {
		return false, fail(opIsLiquidatable, ErrPositionNotFound, "market %d trader %s", marketID, trader)
	}
	return b.liquidatable(opIsLiquidatable, &pos)
}

func (e *Engine) GetOrder(orderID uuid.UUID) (state.Order, error) {
	b, err := e.lookupOrder(opGetOrder, orderID)
	if err != nil {
		return state.Order{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.orders[orderID], nil
}

// ListPositions returns the market's positions ordered by trader id.
func (e *Engine) ListPositions(marketID uint64) ([]state.Position, error) {
	b, err := e.lookup(opListPositions, marketID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions.All(), nil
}

// ListOrders returns the trader's orders across all markets, newest first.
func (e *Engine) ListOrders(trader uuid.UUID) []state.Order {
	e.mu.RLock()
	books := make([]*book, 0, len(e.markets))
	for _, b := range e.markets {
		books = append(books, b)
	}
	e.mu.RUnlock()

	var out []state.Order
	for _, b := range books {
		b.mu.Lock()
		for _, o := range b.orders {
			if o.Trader == trader {
				out = append(out, *o)
			}
		}
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
