package core

import (
	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/state"
	"bytes"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds engine-wide risk settings.
type Config struct {
	MaxPriceStaleness time.Duration
	FundingInterval   time.Duration
	FundingRateCap    int64 // rate scale
	LiquidationFeeBps int64
}

// DefaultConfig: 60s staleness, 8h funding, 0.01% cap, 5% keeper fee.
func DefaultConfig() Config {
	return Config{
		MaxPriceStaleness: 60 * time.Second,
		FundingInterval:   8 * time.Hour,
		FundingRateCap:    10_000,
		LiquidationFeeBps: 500,
	}
}

// Output is one emitted event on the way to persistence and projections.
type Output struct {
	Envelope *event.Envelope
}

// book is one market and everything keyed by it. mu serializes every
// mutation of the market including the ledger calls and event emission.
type book struct {
	mu         sync.Mutex
	market     state.Market
	positions  *state.PositionTable
	orders     map[uuid.UUID]*state.Order
	liquidated map[uuid.UUID]struct{} // traders force-closed since their last open
	hasher     *StateHasher
}

// Engine is the margin and risk engine. Safe for concurrent use: calls on
// different markets run in parallel, calls on one market are serialized.
type Engine struct {
	mu           sync.RWMutex
	markets      map[uint64]*book
	symbols      map[string]uint64
	orderIndex   map[uuid.UUID]uint64
	nextMarketID uint64

	globalMu     sync.Mutex
	globalHasher *StateHasher

	ledger    ledger.Ledger
	authority *Authority
	clock     Clock
	cfg       Config

	liquidationFeeBps atomic.Int64
	sequence          atomic.Int64

	persistChan    chan<- Output
	projectionChan chan<- Output
	metrics        *observability.Metrics
	logger         zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithOutputs sets the event sinks. Sends to persist block; sends to
// projection drop when the channel is full.
func WithOutputs(persist, projection chan<- Output) Option {
	return func(e *Engine) {
		e.persistChan = persist
		e.projectionChan = projection
	}
}

// NewEngine creates an engine that moves funds through l and accepts caps
// minted by auth.
func NewEngine(l ledger.Ledger, auth *Authority, opts ...Option) *Engine {
	e := &Engine{
		markets:      make(map[uint64]*book),
		symbols:      make(map[string]uint64),
		orderIndex:   make(map[uuid.UUID]uint64),
		nextMarketID: 1,
		globalHasher: NewStateHasher(0),
		ledger:       l,
		authority:    auth,
		clock:        systemClock{},
		cfg:          DefaultConfig(),
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.liquidationFeeBps.Store(e.cfg.LiquidationFeeBps)
	return e
}

// Sequence returns the last emitted global sequence.
func (e *Engine) Sequence() int64 {
	return e.sequence.Load()
}

func (e *Engine) lookup(op string, marketID uint64) (*book, error) {
	e.mu.RLock()
	b, ok := e.markets[marketID]
	e.mu.RUnlock()
	if !ok {
		return nil, fail(op, ErrMarketNotFound, "market %d", marketID)
	}
	return b, nil
}

// requireLive fails while the market is paused. Caller holds b.mu.
func (b *book) requireLive(op string) error {
	if b.market.Paused {
		return fail(op, ErrPaused, "market %d", b.market.ID)
	}
	return nil
}

// requireFresh fails unless the mark price is within maxAge of now.
// Caller holds b.mu.
func (b *book) requireFresh(op string, now time.Time, maxAge time.Duration) error {
	if b.market.IsStale(now, maxAge) {
		return fail(op, ErrStalePrice, "market %d priced at %s", b.market.ID, b.market.PriceUpdatedAt.Format(time.RFC3339))
	}
	return nil
}

// digest builds canonical bytes of the market and the given traders'
// positions for the state hash. Absent positions contribute their id only.
// Caller holds b.mu.
func (b *book) digest(traders ...uuid.UUID) []byte {
	buf := b.market.CanonicalBytes()

	sort.Slice(traders, func(i, j int) bool {
		return bytes.Compare(traders[i][:], traders[j][:]) < 0
	})
	for _, t := range traders {
		if pos, ok := b.positions.Get(t); ok {
			buf = append(buf, pos.CanonicalBytes()...)
		} else {
			buf = append(buf, t[:]...)
		}
	}
	return buf
}

// emit assigns a sequence, extends the hash chain and hands the event to
// the sinks. Caller holds the lock guarding h.
func (e *Engine) emit(h *StateHasher, evt event.Event, digest []byte) *event.Envelope {
	start := time.Now()
	seq := e.sequence.Add(1)

	env := event.NewEnvelope(seq, evt, e.clock.Now())
	env.PrevHash = h.GetPrevHash()
	env.StateHash = h.ComputeHash(seq, digest)

	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(seq))
	}

	out := Output{Envelope: env}

	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}

	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("engine").Inc()
			}
		}
	}

	return env
}

// emitGlobalLocked emits an engine-wide event on the market-0 chain. The
// caller holds globalMu across the state change and the emit.
func (e *Engine) emitGlobalLocked(evt event.Event, digest []byte) *event.Envelope {
	return e.emit(e.globalHasher, evt, digest)
}

// track records the outcome and latency of an operation.
func (e *Engine) track(op string, start time.Time, err *error) {
	if e.metrics == nil {
		return
	}
	result := "ok"
	if *err != nil {
		if class, ok := ClassOf(*err); ok {
			result = class.String()
		} else {
			result = "unknown"
		}
	}
	e.metrics.EngineOps.WithLabelValues(op, result).Inc()
	e.metrics.EngineOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// observeMarket refreshes the per-market gauges. Caller holds b.mu.
func (e *Engine) observeMarket(b *book) {
	if e.metrics == nil {
		return
	}
	sym := b.market.Symbol
	e.metrics.MarkPrice.WithLabelValues(sym).Set(float64(b.market.MarkPrice))
	e.metrics.OpenInterest.WithLabelValues(sym, "long").Set(float64(b.market.OpenInterestLong))
	e.metrics.OpenInterest.WithLabelValues(sym, "short").Set(float64(b.market.OpenInterestShort))
	e.metrics.PositionsOpen.WithLabelValues(sym).Set(float64(b.positions.Len()))
}

func (b *book) poolAccount() ledger.AccountKey {
	return ledger.NewMarketAccountKey(b.market.ID, ledger.SubTypeMarginPool, b.market.CollateralAsset)
}

func (b *book) vaultAccount() ledger.AccountKey {
	return ledger.NewMarketAccountKey(b.market.ID, ledger.SubTypePnLVault, b.market.CollateralAsset)
}

func (b *book) feeAccount() ledger.AccountKey {
	return ledger.NewMarketAccountKey(b.market.ID, ledger.SubTypeFees, b.market.CollateralAsset)
}

func (b *book) collateralAccount(trader uuid.UUID) ledger.AccountKey {
	return ledger.NewUserAccountKey(trader, ledger.SubTypeCollateral, b.market.CollateralAsset)
}
