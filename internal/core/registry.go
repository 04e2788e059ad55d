package core

import (
	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	opCreateMarket      = "CreateMarket"
	opSetMarketParams   = "SetMarketParams"
	opUpdatePrice       = "UpdatePrice"
	opPause             = "Pause"
	opUnpause           = "Unpause"
	opSetLiquidationFee = "SetLiquidationFee"
)

// CreateMarket registers a new market. Open interest and funding start at
// zero and the first funding interval starts now.
func (e *Engine) CreateMarket(ctx context.Context, admin AdminCap, symbol string, asset ledger.AssetID, params state.MarketParams) (m state.Market, err error) {
	defer e.track(opCreateMarket, time.Now(), &err)

	if err := e.checkIssuer(opCreateMarket, admin.issuer); err != nil {
		return state.Market{}, err
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" || len(symbol) > 255 {
		return state.Market{}, fail(opCreateMarket, ErrInvalidParameter, "symbol must be 1-255 characters")
	}
	if _, ok := ledger.GetAssetName(asset); !ok {
		return state.Market{}, fail(opCreateMarket, ErrInvalidParameter, "unknown collateral asset %d", asset)
	}
	if err := params.Validate(); err != nil {
		return state.Market{}, fail(opCreateMarket, ErrInvalidParameter, "%v", err)
	}

	now := e.clock.Now()

	e.mu.Lock()
	if _, exists := e.symbols[symbol]; exists {
		e.mu.Unlock()
		return state.Market{}, fail(opCreateMarket, ErrInvalidParameter, "symbol %q already listed", symbol)
	}
	id := e.nextMarketID
	e.nextMarketID++

	b := &book{
		market: state.Market{
			ID:              id,
			Symbol:          symbol,
			CollateralAsset: asset,
			Params:          params,
			CreatedAt:       now,
			LastFundingTime: now,
		},
		positions:  state.NewPositionTable(64),
		orders:     make(map[uuid.UUID]*state.Order),
		liquidated: make(map[uuid.UUID]struct{}),
		hasher:     NewStateHasher(id),
	}
	// Lock before publishing so the creation event is the first on the chain.
	b.mu.Lock()
	e.markets[id] = b
	e.symbols[symbol] = id
	e.mu.Unlock()
	defer b.mu.Unlock()

	e.emit(b.hasher, &event.MarketCreated{
		MarketID:        id,
		Symbol:          symbol,
		CollateralAsset: asset,
		Params:          params,
	}, b.digest())

	e.logger.Info().
		Uint64("market_id", id).
		Str("symbol", symbol).
		Int64("max_leverage", params.MaxLeverage).
		Int64("maintenance_margin_bps", params.MaintenanceMarginBps).
		Msg("market created")

	return b.market, nil
}

// SetMarketParams replaces a market's risk parameters. Existing positions
// are not re-margined; the new maintenance rate applies from the next check.
func (e *Engine) SetMarketParams(ctx context.Context, admin AdminCap, marketID uint64, params state.MarketParams) (err error) {
	defer e.track(opSetMarketParams, time.Now(), &err)

	if err := e.checkIssuer(opSetMarketParams, admin.issuer); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return fail(opSetMarketParams, ErrInvalidParameter, "%v", err)
	}
	b, err := e.lookup(opSetMarketParams, marketID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.market.Params
	b.market.Params = params
	e.emit(b.hasher, &event.MarketParamsUpdated{MarketID: marketID, Old: old, New: params}, b.digest())

	e.logger.Info().
		Uint64("market_id", marketID).
		Interface("old", old).
		Interface("new", params).
		Msg("market params updated")
	return nil
}

// UpdatePrice records an oracle price. Allowed while paused.
func (e *Engine) UpdatePrice(ctx context.Context, oracle OracleCap, marketID uint64, indexPrice, markPrice int64) (err error) {
	defer e.track(opUpdatePrice, time.Now(), &err)

	if err := e.checkIssuer(opUpdatePrice, oracle.issuer); err != nil {
		return err
	}
	if indexPrice <= 0 || markPrice <= 0 {
		return fail(opUpdatePrice, ErrInvalidParameter, "prices must be positive: index=%d mark=%d", indexPrice, markPrice)
	}
	b, err := e.lookup(opUpdatePrice, marketID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.market.IndexPrice = indexPrice
	b.market.MarkPrice = markPrice
	b.market.PriceUpdatedAt = e.clock.Now()

	e.emit(b.hasher, &event.PriceUpdated{MarketID: marketID, IndexPrice: indexPrice, MarkPrice: markPrice}, b.digest())
	e.observeMarket(b)
	return nil
}

// Pause blocks position, order, funding and liquidation calls on a market.
func (e *Engine) Pause(ctx context.Context, admin AdminCap, marketID uint64) error {
	return e.setPaused(opPause, admin, marketID, true)
}

// Unpause reverses Pause.
func (e *Engine) Unpause(ctx context.Context, admin AdminCap, marketID uint64) error {
	return e.setPaused(opUnpause, admin, marketID, false)
}

func (e *Engine) setPaused(op string, admin AdminCap, marketID uint64, paused bool) (err error) {
	defer e.track(op, time.Now(), &err)

	if err := e.checkIssuer(op, admin.issuer); err != nil {
		return err
	}
	b, err := e.lookup(op, marketID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.market.Paused == paused {
		return nil
	}
	b.market.Paused = paused
	e.emit(b.hasher, &event.MarketPauseChanged{MarketID: marketID, Paused: paused}, b.digest())

	e.logger.Warn().Uint64("market_id", marketID).Bool("paused", paused).Msg("market pause changed")
	return nil
}

// SetLiquidationFee sets the engine-wide keeper fee in bps of position margin.
func (e *Engine) SetLiquidationFee(ctx context.Context, admin AdminCap, bps int64) (err error) {
	defer e.track(opSetLiquidationFee, time.Now(), &err)

	if err := e.checkIssuer(opSetLiquidationFee, admin.issuer); err != nil {
		return err
	}
	if bps < 0 || bps >= fpmath.BpsDenominator {
		return fail(opSetLiquidationFee, ErrInvalidParameter, "liquidation fee must be in [0,%d), got %d", fpmath.BpsDenominator, bps)
	}

	// Snapshot reads the fee and the sequence under globalMu; both move together.
	e.globalMu.Lock()
	old := e.liquidationFeeBps.Swap(bps)
	digest := make([]byte, 0, 16)
	digest = appendInt64LE(digest, old)
	digest = appendInt64LE(digest, bps)
	e.emitGlobalLocked(&event.LiquidationFeeUpdated{OldBps: old, NewBps: bps}, digest)
	e.globalMu.Unlock()

	e.logger.Info().Int64("old_bps", old).Int64("new_bps", bps).Msg("liquidation fee updated")
	return nil
}

// LiquidationFeeBps returns the current keeper fee.
func (e *Engine) LiquidationFeeBps() int64 {
	return e.liquidationFeeBps.Load()
}

// ListMarkets returns copies of every market ordered by id.
func (e *Engine) ListMarkets() []state.Market {
	e.mu.RLock()
	books := make([]*book, 0, len(e.markets))
	for _, b := range e.markets {
		books = append(books, b)
	}
	e.mu.RUnlock()

	out := make([]state.Market, 0, len(books))
	for _, b := range books {
		b.mu.Lock()
		out = append(out, b.market)
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarketBySymbol resolves a symbol to its market id.
func (e *Engine) MarketBySymbol(symbol string) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.symbols[symbol]
	return id, ok
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
