package ingestion

import (
	"PerpRisk/internal/core"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

// PriceSink is the engine surface the oracle feed drives.
type PriceSink interface {
	MarketBySymbol(symbol string) (uint64, bool)
	UpdatePrice(ctx context.Context, oracle core.OracleCap, marketID uint64, indexPrice, markPrice int64) error
}

// DepositSink credits trader collateral.
type DepositSink interface {
	Deposit(ctx context.Context, owner uuid.UUID, asset ledger.AssetID, amount int64, ref string) error
}

// Result labels for FeedMessages.
const (
	resultApplied   = "applied"
	resultDuplicate = "duplicate"
	resultStale     = "stale"
	resultInvalid   = "invalid"
	resultRejected  = "rejected"
	resultRetry     = "retry"
)

// FeedProcessor decodes feed messages, drops redeliveries and applies the
// rest. Messages that can never apply are acked; transient failures are
// nak'd for redelivery.
type FeedProcessor struct {
	prices   PriceSink
	deposits DepositSink
	oracle   core.OracleCap
	seen     *lru.Cache
	guard    *PriceSequenceGuard
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewFeedProcessor(prices PriceSink, deposits DepositSink, oracle core.OracleCap, dedupSize int, metrics *observability.Metrics, logger zerolog.Logger) (*FeedProcessor, error) {
	seen, err := lru.New(dedupSize)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	return &FeedProcessor{
		prices:   prices,
		deposits: deposits,
		oracle:   oracle,
		seen:     seen,
		guard:    NewPriceSequenceGuard(),
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Run processes messages until ctx is cancelled or in is closed.
func (p *FeedProcessor) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			p.Process(ctx, raw)
		}
	}
}

// Process handles one message and acks or naks it. Returns the result label.
func (p *FeedProcessor) Process(ctx context.Context, raw RawEvent) string {
	var result string
	switch raw.Feed {
	case FeedPrices:
		result = p.processPrice(ctx, raw)
	case FeedDeposits:
		result = p.processDeposit(ctx, raw)
	default:
		p.logger.Error().Str("feed", raw.Feed).Str("subject", raw.Subject).Msg("message from unknown feed")
		result = resultInvalid
	}

	if result == resultRetry {
		call(raw.NakFunc)
	} else {
		call(raw.AckFunc)
	}

	if p.metrics != nil {
		p.metrics.FeedMessages.WithLabelValues(raw.Feed, result).Inc()
		p.metrics.DedupLRUSize.Set(float64(p.seen.Len()))
		if result == resultApplied && !raw.ReceivedAt.IsZero() {
			p.metrics.IngestToApply.WithLabelValues(raw.Feed).Observe(time.Since(raw.ReceivedAt).Seconds())
		}
	}
	return result
}

func (p *FeedProcessor) processPrice(ctx context.Context, raw RawEvent) string {
	upd, err := ParsePriceUpdate(raw.Data)
	if err != nil {
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed price")
		return resultInvalid
	}

	key := upd.DedupKey()
	if p.seen.Contains(key) {
		p.countDuplicate(raw.Feed)
		return resultDuplicate
	}

	marketID, ok := p.prices.MarketBySymbol(upd.Market)
	if !ok {
		p.logger.Warn().Str("market", upd.Market).Msg("price for unlisted market")
		return resultRejected
	}

	accept, gap := p.guard.Check(upd.Market, upd.Sequence)
	if !accept {
		return resultStale
	}

	if err := p.prices.UpdatePrice(ctx, p.oracle, marketID, upd.IndexPrice, upd.MarkPrice); err != nil {
		if class, ok := core.ClassOf(err); ok && class == core.ClassInfrastructure {
			return resultRetry
		}
		p.logger.Warn().Err(err).Str("market", upd.Market).Msg("price rejected")
		return resultRejected
	}

	p.guard.Commit(upd.Market, upd.Sequence)
	p.seen.Add(key, struct{}{})
	if gap {
		p.logger.Warn().Str("market", upd.Market).Int64("sequence", upd.Sequence).Msg("price sequence gap")
		if p.metrics != nil {
			p.metrics.PriceSequenceGaps.WithLabelValues(upd.Market).Inc()
		}
	}
	return resultApplied
}

func (p *FeedProcessor) processDeposit(ctx context.Context, raw RawEvent) string {
	dep, err := ParseDepositCredit(raw.Data)
	if err != nil {
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed deposit")
		return resultInvalid
	}

	key := dep.DedupKey()
	if p.seen.Contains(key) {
		p.countDuplicate(raw.Feed)
		return resultDuplicate
	}

	if err := p.deposits.Deposit(ctx, dep.Trader, dep.Asset, dep.Amount, key); err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) || errors.Is(err, ledger.ErrUnknownAsset) {
			p.logger.Warn().Err(err).Str("deposit_id", dep.DepositID.String()).Msg("deposit rejected")
			return resultRejected
		}
		p.logger.Error().Err(err).Str("deposit_id", dep.DepositID.String()).Msg("deposit failed, will retry")
		return resultRetry
	}

	p.seen.Add(key, struct{}{})
	p.logger.Info().
		Str("deposit_id", dep.DepositID.String()).
		Str("trader", dep.Trader.String()).
		Int64("amount", dep.Amount).
		Msg("deposit credited")
	return resultApplied
}

func (p *FeedProcessor) countDuplicate(feed string) {
	if p.metrics != nil {
		p.metrics.FeedDuplicates.WithLabelValues(feed).Inc()
	}
}

// LastPriceSequence exposes the guard for the status endpoint.
func (p *FeedProcessor) LastPriceSequence(market string) (int64, bool) {
	return p.guard.Last(market)
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
