package core

import (
	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	opOpenPosition  = "OpenPosition"
	opClosePosition = "ClosePosition"
	opAddMargin     = "AddMargin"
	opRemoveMargin  = "RemoveMargin"
)

// OpenPosition opens or increases a position at the current mark price.
// margin is taken from the trader's collateral; the taker fee comes out of
// it and the rest backs the position.
func (e *Engine) OpenPosition(ctx context.Context, trader uuid.UUID, marketID uint64, side state.Side, size, margin, leverage int64) (pos state.Position, err error) {
	defer e.track(opOpenPosition, time.Now(), &err)

	if err := validateOpenArgs(opOpenPosition, side, size, margin, leverage); err != nil {
		return state.Position{}, err
	}
	b, err := e.lookup(opOpenPosition, marketID)
	if err != nil {
		return state.Position{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireLive(opOpenPosition); err != nil {
		return state.Position{}, err
	}
	if err := b.requireFresh(opOpenPosition, e.clock.Now(), e.cfg.MaxPriceStaleness); err != nil {
		return state.Position{}, err
	}

	req := openRequest{
		trader:   trader,
		side:     side,
		size:     size,
		margin:   margin,
		leverage: leverage,
		feeBps:   b.market.Params.TakerFeeBps,
	}
	return e.openLocked(ctx, b, opOpenPosition, req, nil)
}

type openRequest struct {
	trader   uuid.UUID
	side     state.Side
	size     int64
	margin   int64
	leverage int64
	feeBps   int64
	orderID  *uuid.UUID
}

func validateOpenArgs(op string, side state.Side, size, margin, leverage int64) error {
	if !side.Valid() {
		return fail(op, ErrInvalidParameter, "side %d", side)
	}
	if size <= 0 {
		return fail(op, ErrZeroSize, "size %d", size)
	}
	if margin <= 0 {
		return fail(op, ErrInvalidParameter, "margin must be positive, got %d", margin)
	}
	if leverage < 1 {
		return fail(op, ErrInvalidParameter, "leverage must be >= 1, got %d", leverage)
	}
	return nil
}

// checkedNotional rejects size/price pairs whose notional overflows int64.
func checkedNotional(op string, size, price int64) (int64, error) {
	n, err := fpmath.ComputeNotionalChecked(size, price)
	if err != nil {
		return 0, fail(op, ErrInvalidParameter, "notional overflow: size=%d price=%d", size, price)
	}
	return n, nil
}

// checkedPnL values closing qty of pos at price.
func checkedPnL(op string, pos *state.Position, price, qty int64) (int64, error) {
	pnl, err := fpmath.ComputeRealizedPnLChecked(pos.SideSign(), price, pos.EntryPrice, qty)
	if err != nil {
		return 0, fail(op, ErrInvalidParameter, "pnl overflow: size=%d entry=%d price=%d", qty, pos.EntryPrice, price)
	}
	return pnl, nil
}

// checkedAdd returns a+b, or ErrInvalidParameter naming what overflowed.
func checkedAdd(op, what string, a, b int64) (int64, error) {
	if !addFits(a, b) {
		return 0, fail(op, ErrInvalidParameter, "%s overflow: %d + %d", what, a, b)
	}
	return a + b, nil
}

// checkOpenMargin verifies margin net of fee covers the initial requirement
// at price and returns the fee.
func checkOpenMargin(op string, m *state.Market, size, margin, leverage, feeBps, price int64) (int64, error) {
	if leverage > m.Params.MaxLeverage {
		return 0, fail(op, ErrInvalidParameter, "leverage %d above market max %d", leverage, m.Params.MaxLeverage)
	}
	if _, err := checkedNotional(op, size, price); err != nil {
		return 0, err
	}

	fee := fpmath.ComputeFee(size, price, feeBps)
	required := fpmath.ComputeRequiredMargin(size, price, leverage)
	if margin-fee < required {
		return 0, fail(op, ErrInsufficientMargin, "margin %d minus fee %d below required %d", margin, fee, required)
	}
	return fee, nil
}

// openLocked runs the shared open path at the current mark. When
// reservation is nil the margin is reserved from collateral first;
// otherwise the given reservation, which must hold exactly req.margin, is
// committed. Caller holds b.mu and has checked pause and freshness.
func (e *Engine) openLocked(ctx context.Context, b *book, op string, req openRequest, reservation *ledger.ReservationID) (state.Position, error) {
	mark := b.market.MarkPrice

	existing, exists := b.positions.Get(req.trader)
	if exists && existing.Side != req.side {
		return state.Position{}, fail(op, ErrSideConflict, "trader holds %s, requested %s", existing.Side, req.side)
	}

	fee, err := checkOpenMargin(op, &b.market, req.size, req.margin, req.leverage, req.feeBps, mark)
	if err != nil {
		return state.Position{}, err
	}
	if _, err := checkedAdd(op, "open interest", b.market.OpenInterest(req.side), req.size); err != nil {
		return state.Position{}, err
	}
	if exists {
		if _, err := checkedAdd(op, "position size", existing.Size, req.size); err != nil {
			return state.Position{}, err
		}
	}

	// Settle on a copy; nothing is written back until the ledger succeeds.
	now := e.clock.Now()
	pos := existing
	var fundingPaid int64
	if exists {
		fundingPaid, err = e.settleFunding(op, b, &pos)
		if err != nil {
			return state.Position{}, err
		}
		if pos.Margin, err = checkedAdd(op, "position margin", pos.Margin, req.margin-fee); err != nil {
			return state.Position{}, err
		}
		pos.EntryPrice = fpmath.ComputeAvgEntryPrice(pos.Size, pos.EntryPrice, req.size, mark)
		pos.Size += req.size
	} else {
		pos = state.Position{
			MarketID:                b.market.ID,
			Trader:                  req.trader,
			Side:                    req.side,
			Size:                    req.size,
			Margin:                  req.margin - fee,
			EntryPrice:              mark,
			FundingIndexAtLastTouch: b.market.FundingIndex(req.side),
			OpenedAt:                now,
		}
	}
	pos.Leverage = req.leverage
	pos.LastUpdateTime = now

	id := reservation
	if id == nil {
		rid, err := e.ledger.Reserve(ctx, req.trader, b.market.CollateralAsset, req.margin)
		if err != nil {
			return state.Position{}, ledgerError(op, err)
		}
		id = &rid
	}
	err = e.ledger.Commit(ctx, *id,
		ledger.Split{To: b.poolAccount(), Amount: req.margin - fee, Type: ledger.JournalTypeMarginCommit},
		ledger.Split{To: b.feeAccount(), Amount: fee, Type: ledger.JournalTypeTradeFee},
	)
	if err != nil {
		if reservation == nil {
			if rerr := e.ledger.Release(ctx, *id); rerr != nil {
				e.logger.Error().Err(rerr).Str("reservation", id.String()).Msg("release after failed commit")
			}
		}
		return state.Position{}, ledgerError(op, err)
	}

	b.positions.Put(pos)
	b.market.AdjustOpenInterest(req.side, req.size)
	delete(b.liquidated, req.trader)

	e.emit(b.hasher, &event.PositionOpened{
		MarketID:    b.market.ID,
		Trader:      req.trader,
		Size:        req.size,
		Margin:      req.margin,
		Fee:         fee,
		FillPrice:   mark,
		Increased:   exists,
		FundingPaid: fundingPaid,
		OrderID:     req.orderID,
		Position:    pos,
	}, b.digest(req.trader))

	if e.metrics != nil && fee > 0 {
		e.metrics.TradingFeesEarned.WithLabelValues(b.market.Symbol).Add(float64(fee))
	}
	e.observeMarket(b)
	return pos, nil
}

// ClosePosition closes sizeToClose of the trader's position at mark. The
// closed fraction of margin plus realized PnL is paid back to collateral.
func (e *Engine) ClosePosition(ctx context.Context, trader uuid.UUID, marketID uint64, sizeToClose int64) (closed event.PositionClosed, err error) {
	defer e.track(opClosePosition, time.Now(), &err)

	if sizeToClose <= 0 {
		return event.PositionClosed{}, fail(opClosePosition, ErrZeroSize, "size %d", sizeToClose)
	}
	b, err := e.lookup(opClosePosition, marketID)
	if err != nil {
		return event.PositionClosed{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireLive(opClosePosition); err != nil {
		return event.PositionClosed{}, err
	}
	pos, ok := b.positions.Get(trader)
	if !ok {
		return event.PositionClosed{}, fail(opClosePosition, ErrPositionNotFound, "market %d trader %s", marketID, trader)
	}
	if sizeToClose > pos.Size {
		return event.PositionClosed{}, fail(opClosePosition, ErrExceedsPosition, "close %d of %d", sizeToClose, pos.Size)
	}
	if err := b.requireFresh(opClosePosition, e.clock.Now(), e.cfg.MaxPriceStaleness); err != nil {
		return event.PositionClosed{}, err
	}

	mark := b.market.MarkPrice
	if _, err := checkedNotional(opClosePosition, pos.Size, mark); err != nil {
		return event.PositionClosed{}, err
	}
	pnl, err := checkedPnL(opClosePosition, &pos, mark, sizeToClose)
	if err != nil {
		return event.PositionClosed{}, err
	}

	fundingPaid, err := e.settleFunding(opClosePosition, b, &pos)
	if err != nil {
		return event.PositionClosed{}, err
	}

	portion := pos.Margin
	if sizeToClose < pos.Size {
		portion = fpmath.MulDiv(pos.Margin, sizeToClose, pos.Size, fpmath.RoundDown)
	}
	if _, err := checkedAdd(opClosePosition, "payout", portion, pnl); err != nil {
		return event.PositionClosed{}, err
	}
	split := b.closeout(trader, portion, pnl)

	if err := e.ledger.Transfer(ctx, split.postings...); err != nil {
		return event.PositionClosed{}, ledgerError(opClosePosition, err)
	}

	pos.Size -= sizeToClose
	pos.Margin -= portion
	pos.LastUpdateTime = e.clock.Now()
	b.positions.Put(pos)
	b.market.AdjustOpenInterest(pos.Side, -sizeToClose)

	closed = event.PositionClosed{
		MarketID:      marketID,
		Trader:        trader,
		Side:          pos.Side,
		ClosedSize:    sizeToClose,
		ExitPrice:     mark,
		MarginPortion: portion,
		RealizedPnL:   pnl,
		Payout:        split.payout,
		FundingPaid:   fundingPaid,
	}
	if pos.Size > 0 {
		remaining := pos
		closed.Position = &remaining
	}

	evt := closed
	e.emit(b.hasher, &evt, b.digest(trader))
	e.observeMarket(b)
	return closed, nil
}

// AddMargin moves collateral into an open position. No fresh price needed.
func (e *Engine) AddMargin(ctx context.Context, trader uuid.UUID, marketID uint64, amount int64) (pos state.Position, err error) {
	defer e.track(opAddMargin, time.Now(), &err)

	if amount <= 0 {
		return state.Position{}, fail(opAddMargin, ErrInvalidParameter, "amount must be positive, got %d", amount)
	}
	b, err := e.lookup(opAddMargin, marketID)
	if err != nil {
		return state.Position{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireLive(opAddMargin); err != nil {
		return state.Position{}, err
	}
	pos, ok := b.positions.Get(trader)
	if !ok {
		return state.Position{}, fail(opAddMargin, ErrPositionNotFound, "market %d trader %s", marketID, trader)
	}

	fundingPaid, err := e.settleFunding(opAddMargin, b, &pos)
	if err != nil {
		return state.Position{}, err
	}

	err = e.ledger.Transfer(ctx, ledger.Posting{
		From:   b.collateralAccount(trader),
		To:     b.poolAccount(),
		Amount: amount,
		Type:   ledger.JournalTypeMarginTransfer,
	})
	if err != nil {
		return state.Position{}, ledgerError(opAddMargin, err)
	}

	pos.Margin += amount
	pos.LastUpdateTime = e.clock.Now()
	b.positions.Put(pos)

	e.emit(b.hasher, &event.MarginChanged{
		MarketID:    marketID,
		Trader:      trader,
		Amount:      amount,
		FundingPaid: fundingPaid,
		Position:    pos,
	}, b.digest(trader))
	return pos, nil
}

// RemoveMargin withdraws margin from a position back to collateral as long
// as what remains covers the initial requirement at mark.
func (e *Engine) RemoveMargin(ctx context.Context, trader uuid.UUID, marketID uint64, amount int64) (pos state.Position, err error) {
	defer e.track(opRemoveMargin, time.Now(), &err)

	if amount <= 0 {
		return state.Position{}, fail(opRemoveMargin, ErrInvalidParameter, "amount must be positive, got %d", amount)
	}
	b, err := e.lookup(opRemoveMargin, marketID)
	if err != nil {
		return state.Position{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireLive(opRemoveMargin); err != nil {
		return state.Position{}, err
	}
	pos, ok := b.positions.Get(trader)
	if !ok {
		return state.Position{}, fail(opRemoveMargin, ErrPositionNotFound, "market %d trader %s", marketID, trader)
	}
	if err := b.requireFresh(opRemoveMargin, e.clock.Now(), e.cfg.MaxPriceStaleness); err != nil {
		return state.Position{}, err
	}
	if _, err := checkedNotional(opRemoveMargin, pos.Size, b.market.MarkPrice); err != nil {
		return state.Position{}, err
	}

	fundingPaid, err := e.settleFunding(opRemoveMargin, b, &pos)
	if err != nil {
		return state.Position{}, err
	}

	required := fpmath.ComputeRequiredMargin(pos.Size, b.market.MarkPrice, pos.Leverage)
	if pos.Margin-amount < required {
		return state.Position{}, fail(opRemoveMargin, ErrUndercollateralized, "margin %d minus %d below required %d", pos.Margin, amount, required)
	}

	err = e.ledger.Transfer(ctx, ledger.Posting{
		From:   b.poolAccount(),
		To:     b.collateralAccount(trader),
		Amount: amount,
		Type:   ledger.JournalTypeMarginTransfer,
	})
	if err != nil {
		return state.Position{}, ledgerError(opRemoveMargin, err)
	}

	pos.Margin -= amount
	pos.LastUpdateTime = e.clock.Now()
	b.positions.Put(pos)

	e.emit(b.hasher, &event.MarginChanged{
		MarketID:    marketID,
		Trader:      trader,
		Amount:      amount,
		Removed:     true,
		FundingPaid: fundingPaid,
		Position:    pos,
	}, b.digest(trader))
	return pos, nil
}

type closeoutSplit struct {
	postings []ledger.Posting
	payout   int64 // returned to the trader
	toVault  int64 // loss absorbed by the vault
	badDebt  int64 // loss beyond portion
}

// closeout routes a released margin portion and realized PnL. Profit is
// paid by the vault; loss is taken from the portion up to its size and
// any excess is bad debt.
func (b *book) closeout(trader uuid.UUID, portion, pnl int64) closeoutSplit {
	pool, vault, collateral := b.poolAccount(), b.vaultAccount(), b.collateralAccount(trader)

	var s closeoutSplit
	if pnl >= 0 {
		s.payout = portion + pnl
		s.postings = []ledger.Posting{
			{From: pool, To: collateral, Amount: portion, Type: ledger.JournalTypeMarginRelease},
			{From: vault, To: collateral, Amount: pnl, Type: ledger.JournalTypeRealizedPnL},
		}
		return s
	}

	loss := -pnl
	s.toVault = loss
	if loss > portion {
		s.toVault = portion
		s.badDebt = loss - portion
	}
	s.payout = portion - s.toVault
	s.postings = []ledger.Posting{
		{From: pool, To: vault, Amount: s.toVault, Type: ledger.JournalTypeRealizedPnL},
		{From: pool, To: collateral, Amount: s.payout, Type: ledger.JournalTypeMarginRelease},
	}
	return s
}
