package core

import (
	"PerpRisk/internal/event"
	"PerpRisk/internal/state"
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	opPlaceLimitOrder = "PlaceLimitOrder"
	opExecuteOrder    = "ExecuteOrder"
	opCancelOrder     = "CancelOrder"
	opExpireOrder     = "ExpireOrder"
)

// PlaceLimitOrder escrows margin for a position that opens once the mark
// crosses triggerPrice. The margin check uses the trigger price and the
// maker fee.
func (e *Engine) PlaceLimitOrder(ctx context.Context, trader uuid.UUID, marketID uint64, side state.Side, size, triggerPrice, margin, leverage int64, ttl time.Duration) (order state.Order, err error) {
	defer e.track(opPlaceLimitOrder, time.Now(), &err)

	if err := validateOpenArgs(opPlaceLimitOrder, side, size, margin, leverage); err != nil {
		return state.Order{}, err
	}
	if triggerPrice <= 0 {
		return state.Order{}, fail(opPlaceLimitOrder, ErrInvalidParameter, "trigger price must be positive, got %d", triggerPrice)
	}
	if ttl <= 0 {
		return state.Order{}, fail(opPlaceLimitOrder, ErrInvalidParameter, "ttl must be positive, got %s", ttl)
	}
	b, err := e.lookup(opPlaceLimitOrder, marketID)
	if err != nil {
		return state.Order{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireLive(opPlaceLimitOrder); err != nil {
		return state.Order{}, err
	}
	if _, err := checkOpenMargin(opPlaceLimitOrder, &b.market, size, margin, leverage, b.market.Params.MakerFeeBps, triggerPrice); err != nil {
		return state.Order{}, err
	}

	rid, err := e.ledger.Reserve(ctx, trader, b.market.CollateralAsset, margin)
	if err != nil {
		return state.Order{}, ledgerError(opPlaceLimitOrder, err)
	}

	now := e.clock.Now()
	o := &state.Order{
		ID:             uuid.New(),
		Trader:         trader,
		MarketID:       marketID,
		Side:           side,
		Size:           size,
		TriggerPrice:   triggerPrice,
		EscrowedMargin: margin,
		Reservation:    rid,
		Leverage:       leverage,
		CreatedAt:      now,
		Expiry:         now.Add(ttl),
		Status:         state.OrderStatusOpen,
	}
	b.orders[o.ID] = o

	e.mu.Lock()
	e.orderIndex[o.ID] = marketID
	e.mu.Unlock()

	e.emit(b.hasher, &event.OrderPlaced{Order: *o}, b.digest(trader))
	return *o, nil
}

// ExecuteOrder fills a triggered order through the open path, funded from
// its escrow at the maker fee. On failure the order stays open.
func (e *Engine) ExecuteOrder(ctx context.Context, keeper KeeperCap, orderID uuid.UUID) (pos state.Position, err error) {
	defer e.track(opExecuteOrder, time.Now(), &err)

	if err := e.checkIssuer(opExecuteOrder, keeper.issuer); err != nil {
		return state.Position{}, err
	}
	b, err := e.lookupOrder(opExecuteOrder, orderID)
	if err != nil {
		return state.Position{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.orders[orderID]
	switch o.Status {
	case state.OrderStatusExecuted:
		return state.Position{}, fail(opExecuteOrder, ErrAlreadyExecuted, "order %s", orderID)
	case state.OrderStatusCancelled, state.OrderStatusExpired:
		return state.Position{}, fail(opExecuteOrder, ErrOrderNotOpen, "order %s is %s", orderID, o.Status)
	}
	if err := b.requireLive(opExecuteOrder); err != nil {
		return state.Position{}, err
	}
	now := e.clock.Now()
	if o.Expired(now) {
		return state.Position{}, fail(opExecuteOrder, ErrOrderExpired, "order %s expired at %s", orderID, o.Expiry.Format(time.RFC3339))
	}
	if err := b.requireFresh(opExecuteOrder, now, e.cfg.MaxPriceStaleness); err != nil {
		return state.Position{}, err
	}
	if !o.Triggered(b.market.MarkPrice) {
		return state.Position{}, fail(opExecuteOrder, ErrOrderNotTriggered, "%s trigger %d, mark %d", o.Side, o.TriggerPrice, b.market.MarkPrice)
	}

	req := openRequest{
		trader:   o.Trader,
		side:     o.Side,
		size:     o.Size,
		margin:   o.EscrowedMargin,
		leverage: o.Leverage,
		feeBps:   b.market.Params.MakerFeeBps,
		orderID:  &o.ID,
	}
	rid := o.Reservation
	pos, err = e.openLocked(ctx, b, opExecuteOrder, req, &rid)
	if err != nil {
		return state.Position{}, err
	}

	e.finalizeOrder(b, o, state.OrderStatusExecuted, 0)
	return pos, nil
}

// CancelOrder releases an open order's escrow back to its trader.
func (e *Engine) CancelOrder(ctx context.Context, trader uuid.UUID, orderID uuid.UUID) (order state.Order, err error) {
	defer e.track(opCancelOrder, time.Now(), &err)

	b, err := e.lookupOrder(opCancelOrder, orderID)
	if err != nil {
		return state.Order{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.orders[orderID]
	if o.Trader != trader {
		return state.Order{}, fail(opCancelOrder, ErrUnauthorized, "order %s belongs to another trader", orderID)
	}
	if err := b.requireLive(opCancelOrder); err != nil {
		return state.Order{}, err
	}
	if err := e.releaseOrder(ctx, opCancelOrder, b, o, state.OrderStatusCancelled); err != nil {
		return state.Order{}, err
	}
	return *o, nil
}

// ExpireOrder releases the escrow of an order past its expiry.
func (e *Engine) ExpireOrder(ctx context.Context, keeper KeeperCap, orderID uuid.UUID) (order state.Order, err error) {
	defer e.track(opExpireOrder, time.Now(), &err)

	if err := e.checkIssuer(opExpireOrder, keeper.issuer); err != nil {
		return state.Order{}, err
	}
	b, err := e.lookupOrder(opExpireOrder, orderID)
	if err != nil {
		return state.Order{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.orders[orderID]
	if err := b.requireLive(opExpireOrder); err != nil {
		return state.Order{}, err
	}
	if o.Status == state.OrderStatusOpen && !o.Expired(e.clock.Now()) {
		return state.Order{}, fail(opExpireOrder, ErrTooEarly, "order %s expires at %s", orderID, o.Expiry.Format(time.RFC3339))
	}
	if err := e.releaseOrder(ctx, opExpireOrder, b, o, state.OrderStatusExpired); err != nil {
		return state.Order{}, err
	}
	return *o, nil
}

// releaseOrder returns an open order's escrow and moves it to status.
// Caller holds b.mu.
func (e *Engine) releaseOrder(ctx context.Context, op string, b *book, o *state.Order, status state.OrderStatus) error {
	if !o.Status.CanTransitionTo(status) {
		return fail(op, ErrOrderNotOpen, "order %s is %s", o.ID, o.Status)
	}
	if err := e.ledger.Release(ctx, o.Reservation); err != nil {
		return ledgerError(op, err)
	}
	e.finalizeOrder(b, o, status, o.EscrowedMargin)
	return nil
}

func (e *Engine) finalizeOrder(b *book, o *state.Order, status state.OrderStatus, released int64) {
	o.Status = status
	e.emit(b.hasher, &event.OrderFinalized{
		OrderID:  o.ID,
		MarketID: o.MarketID,
		Trader:   o.Trader,
		Status:   status,
		Released: released,
	}, b.digest(o.Trader))

	if e.metrics != nil {
		e.metrics.OrdersFinalized.WithLabelValues(b.market.Symbol, status.String()).Inc()
	}
}

// lookupOrder resolves the book holding orderID. The order itself is read
// under the book lock by the caller.
func (e *Engine) lookupOrder(op string, orderID uuid.UUID) (*book, error) {
	e.mu.RLock()
	marketID, ok := e.orderIndex[orderID]
	b := e.markets[marketID]
	e.mu.RUnlock()
	if !ok || b == nil {
		return nil, fail(op, ErrOrderNotFound, "order %s", orderID)
	}
	return b, nil
}
