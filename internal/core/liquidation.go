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
	opLiquidate      = "Liquidate"
	opIsLiquidatable = "IsLiquidatable"
)

// health evaluates pos at the current mark without settling it:
// equity = margin - pending funding + unrealized PnL. The same numbers back
// both IsLiquidatable and Liquidate.
func (b *book) health(op string, pos *state.Position) (equity, maintenance int64, err error) {
	pending, err := b.pendingFunding(op, pos)
	if err != nil {
		return 0, 0, err
	}
	mark := b.market.MarkPrice
	if _, err := checkedNotional(op, pos.Size, mark); err != nil {
		return 0, 0, err
	}
	upnl, err := checkedPnL(op, pos, mark, pos.Size)
	if err != nil {
		return 0, 0, err
	}
	equity, err = checkedAdd(op, "equity", pos.Margin, -pending)
	if err != nil {
		return 0, 0, err
	}
	if equity, err = checkedAdd(op, "equity", equity, upnl); err != nil {
		return 0, 0, err
	}
	maintenance = fpmath.ComputeMaintenanceMargin(pos.Size, mark, b.market.Params.MaintenanceMarginBps)
	return equity, maintenance, nil
}

func (b *book) liquidatable(op string, pos *state.Position) (bool, error) {
	equity, maintenance, err := b.health(op, pos)
	if err != nil {
		return false, err
	}
	return equity < maintenance, nil
}

// Liquidate force-closes an unhealthy position at mark. The keeper is paid
// a share of the margin; the trader gets whatever equity remains and any
// loss beyond the margin is reported as bad debt.
func (e *Engine) Liquidate(ctx context.Context, keeper KeeperCap, marketID uint64, trader uuid.UUID) (liq event.PositionLiquidated, err error) {
	defer e.track(opLiquidate, time.Now(), &err)

	if err := e.checkIssuer(opLiquidate, keeper.issuer); err != nil {
		return event.PositionLiquidated{}, err
	}
	b, err := e.lookup(opLiquidate, marketID)
	if err != nil {
		return event.PositionLiquidated{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireLive(opLiquidate); err != nil {
		return event.PositionLiquidated{}, err
	}
	if err := b.requireFresh(opLiquidate, e.clock.Now(), e.cfg.MaxPriceStaleness); err != nil {
		return event.PositionLiquidated{}, err
	}

	pos, ok := b.positions.Get(trader)
	if !ok {
		if _, gone := b.liquidated[trader]; gone {
			return event.PositionLiquidated{}, fail(opLiquidate, ErrAlreadyLiquidated, "market %d trader %s", marketID, trader)
		}
		return event.PositionLiquidated{}, fail(opLiquidate, ErrPositionNotFound, "market %d trader %s", marketID, trader)
	}

	unhealthy, err := b.liquidatable(opLiquidate, &pos)
	if err != nil {
		return event.PositionLiquidated{}, err
	}
	if !unhealthy {
		return event.PositionLiquidated{}, fail(opLiquidate, ErrPositionHealthy, "market %d trader %s", marketID, trader)
	}

	fundingPaid, err := e.settleFunding(opLiquidate, b, &pos)
	if err != nil {
		return event.PositionLiquidated{}, err
	}

	mark := b.market.MarkPrice
	keeperFee := fpmath.ComputeBps(pos.Margin, e.liquidationFeeBps.Load(), fpmath.RoundDown)
	pnl, err := checkedPnL(opLiquidate, &pos, mark, pos.Size)
	if err != nil {
		return event.PositionLiquidated{}, err
	}
	if _, err := checkedAdd(opLiquidate, "payout", pos.Margin-keeperFee, pnl); err != nil {
		return event.PositionLiquidated{}, err
	}
	split := b.closeout(trader, pos.Margin-keeperFee, pnl)

	postings := make([]ledger.Posting, 0, len(split.postings)+1)
	postings = append(postings, ledger.Posting{
		From:   b.poolAccount(),
		To:     b.collateralAccount(keeper.Payout()),
		Amount: keeperFee,
		Type:   ledger.JournalTypeLiquidationFee,
	})
	for _, p := range split.postings {
		p.Type = ledger.JournalTypeLiquidationSettle
		postings = append(postings, p)
	}
	if err := e.ledger.Transfer(ctx, postings...); err != nil {
		return event.PositionLiquidated{}, ledgerError(opLiquidate, err)
	}

	b.positions.Delete(trader)
	b.market.AdjustOpenInterest(pos.Side, -pos.Size)
	b.liquidated[trader] = struct{}{}

	liq = event.PositionLiquidated{
		LiquidationID: uuid.New(),
		MarketID:      marketID,
		Trader:        trader,
		Keeper:        keeper.Payout(),
		Side:          pos.Side,
		Size:          pos.Size,
		EntryPrice:    pos.EntryPrice,
		MarkPrice:     mark,
		Margin:        pos.Margin,
		RealizedPnL:   pnl,
		KeeperFee:     keeperFee,
		TraderPayout:  split.payout,
		ToVault:       split.toVault,
		BadDebt:       split.badDebt,
		FundingPaid:   fundingPaid,
	}
	evt := liq
	e.emit(b.hasher, &evt, b.digest(trader))

	sym := b.market.Symbol
	if e.metrics != nil {
		e.metrics.Liquidations.WithLabelValues(sym).Inc()
		e.metrics.KeeperFees.WithLabelValues(sym).Add(float64(keeperFee))
		if split.badDebt > 0 {
			e.metrics.BadDebt.WithLabelValues(sym).Add(float64(split.badDebt))
		}
	}
	e.observeMarket(b)

	e.logger.Info().
		Uint64("market_id", marketID).
		Str("trader", trader.String()).
		Int64("size", pos.Size).
		Int64("mark", mark).
		Int64("keeper_fee", keeperFee).
		Int64("payout", split.payout).
		Msg("position liquidated")
	if split.badDebt > 0 {
		e.logger.Warn().
			Uint64("market_id", marketID).
			Str("trader", trader.String()).
			Int64("bad_debt", split.badDebt).
			Msg("liquidation left bad debt")
	}

	return liq, nil
}
