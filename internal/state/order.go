package state

import (
	"PerpRisk/internal/ledger"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the lifecycle state of a conditional order.
type OrderStatus uint8

const (
	OrderStatusOpen OrderStatus = iota
	OrderStatusExecuted
	OrderStatusCancelled
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusOpen:
		return "OPEN"
	case OrderStatusExecuted:
		return "EXECUTED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "OPEN":
		*s = OrderStatusOpen
	case "EXECUTED":
		*s = OrderStatusExecuted
	case "CANCELLED":
		*s = OrderStatusCancelled
	case "EXPIRED":
		*s = OrderStatusExpired
	default:
		return fmt.Errorf("invalid order status %q", b)
	}
	return nil
}

// CanTransitionTo allows Open to move to any terminal status exactly once.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return s == OrderStatusOpen && next != OrderStatusOpen
}

// Order is a limit order that opens a position when the mark price
// crosses TriggerPrice. Its margin is held in a ledger reservation.
type Order struct {
	ID             uuid.UUID            `json:"id"`
	Trader         uuid.UUID            `json:"trader"`
	MarketID       uint64               `json:"market_id"`
	Side           Side                 `json:"side"`
	Size           int64                `json:"size"`
	TriggerPrice   int64                `json:"trigger_price"`
	EscrowedMargin int64                `json:"escrowed_margin"`
	Reservation    ledger.ReservationID `json:"reservation"`
	Leverage       int64                `json:"leverage"`
	CreatedAt      time.Time            `json:"created_at"`
	Expiry         time.Time            `json:"expiry"`
	Status         OrderStatus          `json:"status"`
}

// Triggered reports whether mark has crossed the trigger: a long fills at
// or below its trigger, a short at or above.
func (o *Order) Triggered(mark int64) bool {
	if o.Side == SideLong {
		return mark <= o.TriggerPrice
	}
	return mark >= o.TriggerPrice
}

// Expired reports whether now is past the order's expiry.
func (o *Order) Expired(now time.Time) bool {
	return now.After(o.Expiry)
}
