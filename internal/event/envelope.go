package event

import (
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketCreated
	EventTypeMarketParamsUpdated
	EventTypeMarketPauseChanged
	EventTypePriceUpdated
	EventTypeLiquidationFeeUpdated
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypeMarginAdded
	EventTypeMarginRemoved
	EventTypePositionLiquidated
	EventTypeFundingApplied
	EventTypeOrderPlaced
	EventTypeOrderExecuted
	EventTypeOrderCancelled
	EventTypeOrderExpired
)

var eventTypeNames = map[EventType]string{
	EventTypeMarketCreated:         "MarketCreated",
	EventTypeMarketParamsUpdated:   "MarketParamsUpdated",
	EventTypeMarketPauseChanged:    "MarketPauseChanged",
	EventTypePriceUpdated:          "PriceUpdated",
	EventTypeLiquidationFeeUpdated: "LiquidationFeeUpdated",
	EventTypePositionOpened:        "PositionOpened",
	EventTypePositionClosed:        "PositionClosed",
	EventTypeMarginAdded:           "MarginAdded",
	EventTypeMarginRemoved:         "MarginRemoved",
	EventTypePositionLiquidated:    "PositionLiquidated",
	EventTypeFundingApplied:        "FundingApplied",
	EventTypeOrderPlaced:           "OrderPlaced",
	EventTypeOrderExecuted:         "OrderExecuted",
	EventTypeOrderCancelled:        "OrderCancelled",
	EventTypeOrderExpired:          "OrderExpired",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

func (et EventType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

func (et *EventType) UnmarshalText(b []byte) error {
	for k, v := range eventTypeNames {
		if v == string(b) {
			*et = k
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", b)
}

// Event is the interface all event payloads implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// Market returns the market the event belongs to (0 for global events)
	Market() uint64
}

// Envelope wraps every event the engine emits
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64 `json:"sequence"`

	EventType EventType `json:"event_type"`
	MarketID  uint64    `json:"market_id"`

	// Engine clock at emission
	Timestamp time.Time `json:"timestamp"`

	Payload Event `json:"payload"`

	// Per-market hash chain: SHA-256(prev_hash || sequence || state digest)
	StateHash [32]byte `json:"state_hash"`
	PrevHash  [32]byte `json:"prev_hash"`
}

// NewEnvelope wraps evt. Hash fields are filled by the emitter.
func NewEnvelope(sequence int64, evt Event, ts time.Time) *Envelope {
	return &Envelope{
		Sequence:  sequence,
		EventType: evt.EventType(),
		MarketID:  evt.Market(),
		Timestamp: ts,
		Payload:   evt,
	}
}
