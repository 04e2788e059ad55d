package core

import (
	"PerpRisk/internal/event"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
	"context"
	"time"
)

const opApplyFunding = "ApplyFunding"

// ApplyFunding advances the market's funding indices by one interval. No
// position is touched; each settles lazily against the indices the next
// time it is modified.
func (e *Engine) ApplyFunding(ctx context.Context, keeper KeeperCap, marketID uint64) (applied event.FundingApplied, err error) {
	defer e.track(opApplyFunding, time.Now(), &err)

	if err := e.checkIssuer(opApplyFunding, keeper.issuer); err != nil {
		return event.FundingApplied{}, err
	}
	b, err := e.lookup(opApplyFunding, marketID)
	if err != nil {
		return event.FundingApplied{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := e.clock.Now()
	if err := b.requireLive(opApplyFunding); err != nil {
		return event.FundingApplied{}, err
	}
	if err := b.requireFresh(opApplyFunding, now, e.cfg.MaxPriceStaleness); err != nil {
		return event.FundingApplied{}, err
	}
	if elapsed := now.Sub(b.market.LastFundingTime); elapsed < e.cfg.FundingInterval {
		return event.FundingApplied{}, fail(opApplyFunding, ErrTooEarly, "%s since last funding, interval %s", elapsed, e.cfg.FundingInterval)
	}

	m := &b.market
	rate := fpmath.ComputeFundingRate(m.OpenInterestLong, m.OpenInterestShort, e.cfg.FundingRateCap)

	var longDelta, shortDelta int64
	if rate != 0 {
		payer, receiver := state.SideLong, state.SideShort
		if rate < 0 {
			payer, receiver = state.SideShort, state.SideLong
		}

		payerDelta, err := fpmath.ComputePayerIndexDelta(rate, m.MarkPrice)
		if err != nil {
			return event.FundingApplied{}, fail(opApplyFunding, ErrInvalidParameter, "%v", err)
		}
		receiverDelta, err := fpmath.ComputeReceiverIndexDelta(payerDelta, m.OpenInterest(payer), m.OpenInterest(receiver))
		if err != nil {
			return event.FundingApplied{}, fail(opApplyFunding, ErrInvalidParameter, "%v", err)
		}

		if payer == state.SideLong {
			longDelta, shortDelta = payerDelta, -receiverDelta
		} else {
			longDelta, shortDelta = -receiverDelta, payerDelta
		}
		if !addFits(m.LongFundingIndex, longDelta) || !addFits(m.ShortFundingIndex, shortDelta) {
			return event.FundingApplied{}, fail(opApplyFunding, ErrInvalidParameter, "funding index overflow")
		}
	}

	m.LongFundingIndex += longDelta
	m.ShortFundingIndex += shortDelta
	m.FundingRate = rate
	m.LastFundingTime = now

	applied = event.FundingApplied{
		MarketID:          marketID,
		Rate:              rate,
		MarkPrice:         m.MarkPrice,
		OpenInterestLong:  m.OpenInterestLong,
		OpenInterestShort: m.OpenInterestShort,
		LongIndexDelta:    longDelta,
		ShortIndexDelta:   shortDelta,
		LongFundingIndex:  m.LongFundingIndex,
		ShortFundingIndex: m.ShortFundingIndex,
	}
	evt := applied
	e.emit(b.hasher, &evt, b.digest())

	if e.metrics != nil {
		e.metrics.FundingApplied.WithLabelValues(m.Symbol).Inc()
		e.metrics.FundingRate.WithLabelValues(m.Symbol).Set(float64(rate))
	}
	e.logger.Info().
		Uint64("market_id", marketID).
		Int64("rate", rate).
		Int64("long_index", m.LongFundingIndex).
		Int64("short_index", m.ShortFundingIndex).
		Msg("funding applied")

	return applied, nil
}

// pendingFunding is what the position owes (positive) or is owed
// (negative) against its side's current index.
func (b *book) pendingFunding(op string, pos *state.Position) (int64, error) {
	owed, err := fpmath.ComputeFundingSettlement(b.market.FundingIndex(pos.Side), pos.FundingIndexAtLastTouch, pos.Size)
	if err != nil {
		return 0, fail(op, ErrInvalidParameter, "funding settlement: %v", err)
	}
	return owed, nil
}

// settleFunding applies pending funding to pos and moves it to the current
// index. A debit larger than the margin empties it; the shortfall stays
// uncollected. Returns the amount actually applied. Caller holds b.mu and
// writes pos back only once its own ledger call succeeds.
func (e *Engine) settleFunding(op string, b *book, pos *state.Position) (int64, error) {
	owed, err := b.pendingFunding(op, pos)
	if err != nil {
		return 0, err
	}
	pos.FundingIndexAtLastTouch = b.market.FundingIndex(pos.Side)
	if owed == 0 {
		return 0, nil
	}

	if owed > pos.Margin {
		shortfall := owed - pos.Margin
		owed = pos.Margin
		e.logger.Warn().
			Uint64("market_id", b.market.ID).
			Str("trader", pos.Trader.String()).
			Int64("shortfall", shortfall).
			Msg("funding debit exceeds margin")
		if e.metrics != nil {
			e.metrics.FundingShortfall.WithLabelValues(b.market.Symbol).Add(float64(shortfall))
		}
	}
	pos.Margin -= owed
	return owed, nil
}

func addFits(a, b int64) bool {
	s := a + b
	return (b >= 0 && s >= a) || (b < 0 && s < a)
}
