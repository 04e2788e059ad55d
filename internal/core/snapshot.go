package core

import (
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/state"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the complete engine state at one sequence. Ledger is set
// when the engine's ledger can snapshot itself.
type Snapshot struct {
	Sequence          int64                  `json:"sequence"`
	LiquidationFeeBps int64                  `json:"liquidation_fee_bps"`
	NextMarketID      uint64                 `json:"next_market_id"`
	GlobalHash        [32]byte               `json:"global_hash"`
	Markets           []MarketSnapshot       `json:"markets"`
	Ledger            *ledger.LedgerSnapshot `json:"ledger,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// MarketSnapshot is one book.
type MarketSnapshot struct {
	Market     state.Market     `json:"market"`
	Positions  []state.Position `json:"positions"`
	Orders     []state.Order    `json:"orders"`
	Liquidated []uuid.UUID      `json:"liquidated,omitempty"`
	StateHash  [32]byte         `json:"state_hash"`
}

type snapshotter interface {
	Snapshot() *ledger.LedgerSnapshot
	Restore(*ledger.LedgerSnapshot) error
}

// Snapshot captures a consistent copy of every market. It is the one call
// that holds more than one market lock; locks are taken in id order.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	books := make([]*book, 0, len(e.markets))
	for _, b := range e.markets {
		books = append(books, b)
	}
	nextID := e.nextMarketID
	e.mu.RUnlock()

	sort.Slice(books, func(i, j int) bool { return books[i].market.ID < books[j].market.ID })
	for _, b := range books {
		b.mu.Lock()
	}
	e.globalMu.Lock()
	defer func() {
		e.globalMu.Unlock()
		for i := len(books) - 1; i >= 0; i-- {
			books[i].mu.Unlock()
		}
	}()

	snap := &Snapshot{
		Sequence:          e.sequence.Load(),
		LiquidationFeeBps: e.liquidationFeeBps.Load(),
		NextMarketID:      nextID,
		GlobalHash:        e.globalHasher.GetPrevHash(),
		Markets:           make([]MarketSnapshot, 0, len(books)),
		CreatedAt:         e.clock.Now(),
	}
	for _, b := range books {
		ms := MarketSnapshot{
			Market:    b.market,
			Positions: b.positions.All(),
			Orders:    make([]state.Order, 0, len(b.orders)),
			StateHash: b.hasher.GetPrevHash(),
		}
		for _, o := range b.orders {
			ms.Orders = append(ms.Orders, *o)
		}
		sort.Slice(ms.Orders, func(i, j int) bool {
			return ms.Orders[i].ID.String() < ms.Orders[j].ID.String()
		})
		for t := range b.liquidated {
			ms.Liquidated = append(ms.Liquidated, t)
		}
		sort.Slice(ms.Liquidated, func(i, j int) bool {
			return ms.Liquidated[i].String() < ms.Liquidated[j].String()
		})
		snap.Markets = append(snap.Markets, ms)
	}

	if s, ok := e.ledger.(snapshotter); ok {
		snap.Ledger = s.Snapshot()
	}
	return snap
}

// Restore loads snap into an engine that has no markets yet.
func (e *Engine) Restore(snap *Snapshot) error {
	if snap == nil {
		return errors.New("restore: nil snapshot")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.markets) > 0 {
		return errors.New("restore: engine already has markets")
	}

	if snap.Ledger != nil {
		s, ok := e.ledger.(snapshotter)
		if !ok {
			return errors.New("restore: ledger cannot restore snapshots")
		}
		if err := s.Restore(snap.Ledger); err != nil {
			return fmt.Errorf("restore ledger: %w", err)
		}
	}

	for _, ms := range snap.Markets {
		m := ms.Market
		if _, dup := e.markets[m.ID]; dup {
			return fmt.Errorf("restore: duplicate market %d", m.ID)
		}

		b := &book{
			market:     m,
			positions:  state.NewPositionTable(len(ms.Positions) + 64),
			orders:     make(map[uuid.UUID]*state.Order, len(ms.Orders)),
			liquidated: make(map[uuid.UUID]struct{}, len(ms.Liquidated)),
			hasher:     NewStateHasher(m.ID),
		}
		b.hasher.SetPrevHash(ms.StateHash)
		for _, p := range ms.Positions {
			b.positions.Put(p)
		}
		for i := range ms.Orders {
			o := ms.Orders[i]
			b.orders[o.ID] = &o
			e.orderIndex[o.ID] = m.ID
		}
		for _, t := range ms.Liquidated {
			b.liquidated[t] = struct{}{}
		}

		e.markets[m.ID] = b
		e.symbols[m.Symbol] = m.ID
	}

	e.nextMarketID = snap.NextMarketID
	if e.nextMarketID == 0 {
		e.nextMarketID = 1
	}
	e.globalHasher.SetPrevHash(snap.GlobalHash)
	e.liquidationFeeBps.Store(snap.LiquidationFeeBps)
	e.sequence.Store(snap.Sequence)

	e.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("markets", len(snap.Markets)).
		Msg("engine restored from snapshot")
	return nil
}
