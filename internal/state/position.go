package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Side is the direction of a position or order.
type Side uint8

const (
	SideLong Side = iota + 1
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// ParseSide accepts LONG/SHORT in any case as well as BUY/SELL.
func ParseSide(s string) (Side, error) {
	switch s {
	case "LONG", "long", "Long", "BUY", "buy":
		return SideLong, nil
	case "SHORT", "short", "Short", "SELL", "sell":
		return SideShort, nil
	}
	return 0, fmt.Errorf("invalid side %q", s)
}

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Sign returns +1 for long and -1 for short.
func (s Side) Sign() int64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	parsed, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Position is a trader's open exposure in one market. A position with
// size 0 does not exist; the table removes it.
type Position struct {
	MarketID   uint64    `json:"market_id"`
	Trader     uuid.UUID `json:"trader"`
	Side       Side      `json:"side"`
	Size       int64     `json:"size"`        // quantity scale
	Margin     int64     `json:"margin"`      // quote scale
	EntryPrice int64     `json:"entry_price"` // price scale, size-weighted average
	Leverage   int64     `json:"leverage"`    // last leverage used

	FundingIndexAtLastTouch int64     `json:"funding_index_at_last_touch"`
	OpenedAt                time.Time `json:"opened_at"`
	LastUpdateTime          time.Time `json:"last_update_time"`
}

// SideSign returns +1 for long, -1 for short
func (p *Position) SideSign() int64 {
	return p.Side.Sign()
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 80)

	buf = append(buf, p.Trader[:]...)
	buf = appendInt64LE(buf, int64(p.MarketID))
	buf = append(buf, byte(p.Side))
	buf = appendInt64LE(buf, p.Size)
	buf = appendInt64LE(buf, p.Margin)
	buf = appendInt64LE(buf, p.EntryPrice)
	buf = appendInt64LE(buf, p.Leverage)
	buf = appendInt64LE(buf, p.FundingIndexAtLastTouch)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
