package event

import (
	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

// OrderPlaced carries the full order as escrowed.
type OrderPlaced struct {
	Order state.Order `json:"order"`
}

func (o *OrderPlaced) EventType() EventType { return EventTypeOrderPlaced }
func (o *OrderPlaced) Market() uint64       { return o.Order.MarketID }

// OrderFinalized is emitted when an order leaves Open. Status selects the
// event type.
type OrderFinalized struct {
	OrderID  uuid.UUID         `json:"order_id"`
	MarketID uint64            `json:"market_id"`
	Trader   uuid.UUID         `json:"trader"`
	Status   state.OrderStatus `json:"status"`
	Released int64             `json:"released"` // escrow returned to the trader
}

func (o *OrderFinalized) EventType() EventType {
	switch o.Status {
	case state.OrderStatusExecuted:
		return EventTypeOrderExecuted
	case state.OrderStatusCancelled:
		return EventTypeOrderCancelled
	case state.OrderStatusExpired:
		return EventTypeOrderExpired
	}
	return EventTypeUnknown
}

func (o *OrderFinalized) Market() uint64 { return o.MarketID }
