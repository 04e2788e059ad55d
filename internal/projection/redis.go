package projection

import (
	"PerpRisk/internal/event"
	"PerpRisk/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ViewSource is the engine read surface the view sink refreshes from.
type ViewSource interface {
	GetMarket(marketID uint64) (state.Market, error)
	GetOrder(orderID uuid.UUID) (state.Order, error)
}

// RedisSink keeps JSON views of markets, positions and orders in Redis for
// readers outside the process. Views are overwritten on every event, so a
// dropped event heals on the next one touching the same key.
type RedisSink struct {
	rdb    *redis.Client
	source ViewSource
	ttl    time.Duration
}

func NewRedisSink(rdb *redis.Client, source ViewSource, ttl time.Duration) *RedisSink {
	return &RedisSink{rdb: rdb, source: source, ttl: ttl}
}

// Apply updates the views an event touches.
func (s *RedisSink) Apply(ctx context.Context, env *event.Envelope) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		switch p := env.Payload.(type) {
		case *event.PositionOpened:
			s.setPosition(ctx, pipe, p.Position)
		case *event.MarginChanged:
			s.setPosition(ctx, pipe, p.Position)
		case *event.PositionClosed:
			if p.Position != nil {
				s.setPosition(ctx, pipe, *p.Position)
			} else {
				s.delPosition(ctx, pipe, p.MarketID, p.Trader)
			}
		case *event.PositionLiquidated:
			s.delPosition(ctx, pipe, p.MarketID, p.Trader)
		case *event.OrderPlaced:
			s.setOrder(ctx, pipe, p.Order)
		case *event.OrderFinalized:
			o, err := s.source.GetOrder(p.OrderID)
			if err != nil {
				return fmt.Errorf("order %s: %w", p.OrderID, err)
			}
			s.setOrder(ctx, pipe, o)
		}

		// Every market event may move prices, OI or funding state.
		if env.MarketID != 0 {
			m, err := s.source.GetMarket(env.MarketID)
			if err != nil {
				return fmt.Errorf("market %d: %w", env.MarketID, err)
			}
			return s.setJSON(ctx, pipe, MarketKey(m.ID), m)
		}
		return nil
	})
	return err
}

// Market reads a market view.
func (s *RedisSink) Market(ctx context.Context, marketID uint64) (state.Market, bool, error) {
	var m state.Market
	ok, err := s.get(ctx, MarketKey(marketID), &m)
	return m, ok, err
}

// Position reads a position view.
func (s *RedisSink) Position(ctx context.Context, marketID uint64, trader uuid.UUID) (state.Position, bool, error) {
	var p state.Position
	ok, err := s.get(ctx, PositionKey(marketID, trader), &p)
	return p, ok, err
}

// Order reads an order view.
func (s *RedisSink) Order(ctx context.Context, orderID uuid.UUID) (state.Order, bool, error) {
	var o state.Order
	ok, err := s.get(ctx, OrderKey(orderID), &o)
	return o, ok, err
}

// TraderPositionKeys lists the position view keys of a trader.
func (s *RedisSink) TraderPositionKeys(ctx context.Context, trader uuid.UUID) ([]string, error) {
	return s.rdb.SMembers(ctx, TraderPositionsKey(trader)).Result()
}

func (s *RedisSink) setPosition(ctx context.Context, pipe redis.Pipeliner, p state.Position) {
	key := PositionKey(p.MarketID, p.Trader)
	_ = s.setJSON(ctx, pipe, key, p)
	pipe.SAdd(ctx, TraderPositionsKey(p.Trader), key)
}

func (s *RedisSink) delPosition(ctx context.Context, pipe redis.Pipeliner, marketID uint64, trader uuid.UUID) {
	key := PositionKey(marketID, trader)
	pipe.Del(ctx, key)
	pipe.SRem(ctx, TraderPositionsKey(trader), key)
}

func (s *RedisSink) setOrder(ctx context.Context, pipe redis.Pipeliner, o state.Order) {
	_ = s.setJSON(ctx, pipe, OrderKey(o.ID), o)
	pipe.SAdd(ctx, TraderOrdersKey(o.Trader), OrderKey(o.ID))
}

func (s *RedisSink) setJSON(ctx context.Context, pipe redis.Pipeliner, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	pipe.Set(ctx, key, data, s.ttl)
	return nil
}

func (s *RedisSink) get(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func MarketKey(id uint64) string {
	return fmt.Sprintf("perp:market:%d", id)
}

func PositionKey(market uint64, trader uuid.UUID) string {
	return fmt.Sprintf("perp:position:%d:%s", market, trader)
}

func OrderKey(id uuid.UUID) string {
	return fmt.Sprintf("perp:order:%s", id)
}

func TraderPositionsKey(trader uuid.UUID) string {
	return fmt.Sprintf("perp:positions:%s", trader)
}

func TraderOrdersKey(trader uuid.UUID) string {
	return fmt.Sprintf("perp:orders:%s", trader)
}
