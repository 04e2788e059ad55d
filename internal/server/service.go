package server

import (
	"PerpRisk/internal/core"
	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/query"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ledger is the collateral surface the service drives directly.
type Ledger interface {
	Deposit(ctx context.Context, owner uuid.UUID, asset ledger.AssetID, amount int64, ref string) error
	Withdraw(ctx context.Context, owner uuid.UUID, asset ledger.AssetID, amount int64, ref string) error
}

// RiskService implements perprisk.v1.RiskService. Each method resolves the
// caller's role from metadata, converts decimal inputs to fixed point and
// calls the engine.
type RiskService struct {
	engine    *core.Engine
	ledger    Ledger
	queries   *query.QueryService
	authority *core.Authority
	tokens    Tokens
	logger    zerolog.Logger
}

func NewRiskService(engine *core.Engine, l Ledger, queries *query.QueryService, authority *core.Authority, tokens Tokens, logger zerolog.Logger) *RiskService {
	return &RiskService{
		engine:    engine,
		ledger:    l,
		queries:   queries,
		authority: authority,
		tokens:    tokens,
		logger:    logger,
	}
}

// ============================================================================
// Admin
// ============================================================================

func (s *RiskService) CreateMarket(ctx context.Context, req *CreateMarketRequest) (*MarketReply, error) {
	admin, err := s.admin(ctx)
	if err != nil {
		return nil, err
	}
	asset, err := parseAsset(req.Asset)
	if err != nil {
		return nil, err
	}
	m, err := s.engine.CreateMarket(ctx, admin, req.Symbol, asset, req.Params)
	if err != nil {
		return nil, toStatus(err)
	}
	return &m, nil
}

func (s *RiskService) SetMarketParams(ctx context.Context, req *SetMarketParamsRequest) (*Ack, error) {
	admin, err := s.admin(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.engine.SetMarketParams(ctx, admin, req.MarketID, req.Params); err != nil {
		return nil, toStatus(err)
	}
	return s.ack(), nil
}

func (s *RiskService) PauseMarket(ctx context.Context, req *MarketRequest) (*Ack, error) {
	admin, err := s.admin(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Pause(ctx, admin, req.MarketID); err != nil {
		return nil, toStatus(err)
	}
	return s.ack(), nil
}

func (s *RiskService) UnpauseMarket(ctx context.Context, req *MarketRequest) (*Ack, error) {
	admin, err := s.admin(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Unpause(ctx, admin, req.MarketID); err != nil {
		return nil, toStatus(err)
	}
	return s.ack(), nil
}

func (s *RiskService) SetLiquidationFee(ctx context.Context, req *SetLiquidationFeeRequest) (*Ack, error) {
	admin, err := s.admin(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.engine.SetLiquidationFee(ctx, admin, req.Bps); err != nil {
		return nil, toStatus(err)
	}
	return s.ack(), nil
}

// Deposit credits collateral to a trader. Production credits arrive on the
// deposit feed; this is the operator path.
func (s *RiskService) Deposit(ctx context.Context, req *DepositRequest) (*Ack, error) {
	if _, err := s.admin(ctx); err != nil {
		return nil, err
	}
	if req.Trader == uuid.Nil {
		return nil, status.Error(codes.InvalidArgument, "trader is required")
	}
	asset, err := parseAsset(req.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount, fpmath.QuoteConfig)
	if err != nil {
		return nil, err
	}
	ref := req.Ref
	if ref == "" {
		ref = "api-deposit:" + uuid.NewString()
	}
	if err := s.ledger.Deposit(ctx, req.Trader, asset, amount, ref); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info().
		Str("trader", req.Trader.String()).
		Str("amount", req.Amount).
		Str("ref", ref).
		Msg("operator deposit")
	return s.ack(), nil
}

// ============================================================================
// Oracle
// ============================================================================

func (s *RiskService) UpdatePrice(ctx context.Context, req *UpdatePriceRequest) (*Ack, error) {
	oracle, err := s.oracle(ctx)
	if err != nil {
		return nil, err
	}
	index, err := parseAmount("index_price", req.IndexPrice, fpmath.PriceConfig)
	if err != nil {
		return nil, err
	}
	mark, err := parseAmount("mark_price", req.MarkPrice, fpmath.PriceConfig)
	if err != nil {
		return nil, err
	}
	if err := s.engine.UpdatePrice(ctx, oracle, req.MarketID, index, mark); err != nil {
		return nil, toStatus(err)
	}
	return s.ack(), nil
}

// ============================================================================
// Trader
// ============================================================================

func (s *RiskService) OpenPosition(ctx context.Context, req *OpenPositionRequest) (*PositionReply, error) {
	trader, err := s.trader(ctx)
	if err != nil {
		return nil, err
	}
	size, err := parseAmount("size", req.Size, fpmath.QuantityConfig)
	if err != nil {
		return nil, err
	}
	margin, err := parseAmount("margin", req.Margin, fpmath.QuoteConfig)
	if err != nil {
		return nil, err
	}
	pos, err := s.engine.OpenPosition(ctx, trader, req.MarketID, req.Side, size, margin, req.Leverage)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pos, nil
}

func (s *RiskService) ClosePosition(ctx context.Context, req *ClosePositionRequest) (*ClosedReply, error) {
	trader, err := s.trader(ctx)
	if err != nil {
		return nil, err
	}
	size, err := parseAmount("size", req.Size, fpmath.QuantityConfig)
	if err != nil {
		return nil, err
	}
	closed, err := s.engine.ClosePosition(ctx, trader, req.MarketID, size)
	if err != nil {
		return nil, toStatus(err)
	}
	return &closed, nil
}

func (s *RiskService) AddMargin(ctx context.Context, req *MarginRequest) (*PositionReply, error) {
	trader, err := s.trader(ctx)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount, fpmath.QuoteConfig)
	if err != nil {
		return nil, err
	}
	pos, err := s.engine.AddMargin(ctx, trader, req.MarketID, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pos, nil
}

func (s *RiskService) RemoveMargin(ctx context.Context, req *MarginRequest) (*PositionReply, error) {
	trader, err := s.trader(ctx)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount, fpmath.QuoteConfig)
	if err != nil {
		return nil, err
	}
	pos, err := s.engine.RemoveMargin(ctx, trader, req.MarketID, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pos, nil
}

func (s *RiskService) PlaceLimitOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderReply, error) {
	trader, err := s.trader(ctx)
	if err != nil {
		return nil, err
	}
	size, err := parseAmount("size", req.Size, fpmath.QuantityConfig)
	if err != nil {
		return nil, err
	}
	trigger, err := parseAmount("trigger_price", req.TriggerPrice, fpmath.PriceConfig)
	if err != nil {
		return nil, err
	}
	margin, err := parseAmount("margin", req.Margin, fpmath.QuoteConfig)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	order, err := s.engine.PlaceLimitOrder(ctx, trader, req.MarketID, req.Side, size, trigger, margin, req.Leverage, ttl)
	if err != nil {
		return nil, toStatus(err)
	}
	return &order, nil
}

func (s *RiskService) CancelOrder(ctx context.Context, req *OrderRequest) (*OrderReply, error) {
	trader, err := s.trader(ctx)
	if err != nil {
		return nil, err
	}
	order, err := s.engine.CancelOrder(ctx, trader, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &order, nil
}

// Withdraw moves available collateral out of the trader's account.
func (s *RiskService) Withdraw(ctx context.Context, req *WithdrawRequest) (*Ack, error) {
	trader, err := s.trader(ctx)
	if err != nil {
		return nil, err
	}
	asset, err := parseAsset(req.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount, fpmath.QuoteConfig)
	if err != nil {
		return nil, err
	}
	ref := req.Ref
	if ref == "" {
		ref = "api-withdraw:" + uuid.NewString()
	}
	if err := s.ledger.Withdraw(ctx, trader, asset, amount, ref); err != nil {
		return nil, toStatus(err)
	}
	return s.ack(), nil
}

// ============================================================================
// Keeper
// ============================================================================

func (s *RiskService) Liquidate(ctx context.Context, req *PositionRequest) (*LiquidatedReply, error) {
	keeper, err := s.keeper(ctx)
	if err != nil {
		return nil, err
	}
	liq, err := s.engine.Liquidate(ctx, keeper, req.MarketID, req.Trader)
	if err != nil {
		return nil, toStatus(err)
	}
	return &liq, nil
}

func (s *RiskService) ApplyFunding(ctx context.Context, req *MarketRequest) (*FundingReply, error) {
	keeper, err := s.keeper(ctx)
	if err != nil {
		return nil, err
	}
	applied, err := s.engine.ApplyFunding(ctx, keeper, req.MarketID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &applied, nil
}

func (s *RiskService) ExecuteOrder(ctx context.Context, req *OrderRequest) (*PositionReply, error) {
	keeper, err := s.keeper(ctx)
	if err != nil {
		return nil, err
	}
	pos, err := s.engine.ExecuteOrder(ctx, keeper, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pos, nil
}

func (s *RiskService) ExpireOrder(ctx context.Context, req *OrderRequest) (*OrderReply, error) {
	keeper, err := s.keeper(ctx)
	if err != nil {
		return nil, err
	}
	order, err := s.engine.ExpireOrder(ctx, keeper, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &order, nil
}

// ============================================================================
// Queries
// ============================================================================

func (s *RiskService) GetStatus(ctx context.Context, _ *Empty) (*StatusReply, error) {
	return &StatusReply{
		Sequence:          s.engine.Sequence(),
		LiquidationFeeBps: s.engine.LiquidationFeeBps(),
		Markets:           len(s.engine.ListMarkets()),
	}, nil
}

func (s *RiskService) ListMarkets(ctx context.Context, _ *Empty) (*MarketsReply, error) {
	return &MarketsReply{Markets: s.engine.ListMarkets()}, nil
}

func (s *RiskService) GetMarket(ctx context.Context, req *MarketRequest) (*MarketReply, error) {
	m, err := s.engine.GetMarket(req.MarketID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &m, nil
}

func (s *RiskService) GetPosition(ctx context.Context, req *PositionRequest) (*PositionView, error) {
	pos, err := s.engine.GetPosition(req.MarketID, req.Trader)
	if err != nil {
		return nil, toStatus(err)
	}
	view := &PositionView{Position: pos}
	// A position without a price yet has no PnL and cannot be liquidated.
	if pnl, err := s.engine.GetUnrealizedPnL(req.MarketID, req.Trader); err == nil {
		view.UnrealizedPnL = pnl
	}
	if liq, err := s.engine.IsLiquidatable(req.MarketID, req.Trader); err == nil {
		view.IsLiquidatable = liq
	}
	return view, nil
}

func (s *RiskService) ListPositions(ctx context.Context, req *MarketRequest) (*PositionsReply, error) {
	positions, err := s.engine.ListPositions(req.MarketID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PositionsReply{Positions: positions}, nil
}

func (s *RiskService) GetTraderPositions(ctx context.Context, req *TraderRequest) (*TraderPositionsReply, error) {
	positions, err := s.queries.GetPositions(ctx, req.Trader)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TraderPositionsReply{Positions: positions}, nil
}

func (s *RiskService) GetOrder(ctx context.Context, req *OrderRequest) (*OrderReply, error) {
	order, err := s.engine.GetOrder(req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &order, nil
}

func (s *RiskService) ListOrders(ctx context.Context, req *TraderRequest) (*OrdersReply, error) {
	return &OrdersReply{Orders: s.engine.ListOrders(req.Trader)}, nil
}

func (s *RiskService) GetBalance(ctx context.Context, req *TraderRequest) (*query.BalanceResponse, error) {
	asset := req.Asset
	if asset == "" {
		asset = defaultAsset
	}
	bal, err := s.queries.GetBalance(ctx, req.Trader, asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return bal, nil
}

func (s *RiskService) GetMargin(ctx context.Context, req *TraderRequest) (*query.MarginInfo, error) {
	info, err := s.queries.GetMarginSnapshot(ctx, req.Trader)
	if err != nil {
		return nil, toStatus(err)
	}
	return info, nil
}

func (s *RiskService) GetFundingHistory(ctx context.Context, req *FundingHistoryRequest) (*FundingHistoryReply, error) {
	recs, asOf, err := s.queries.GetFundingHistory(ctx, req.MarketID, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &FundingHistoryReply{Records: recs, AsOfSequence: asOf}, nil
}

func (s *RiskService) GetLiquidationHistory(ctx context.Context, req *TraderRequest) (*LiquidationHistoryReply, error) {
	recs, asOf, err := s.queries.GetLiquidationHistory(ctx, req.Trader, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &LiquidationHistoryReply{Records: recs, AsOfSequence: asOf}, nil
}

func (s *RiskService) GetJournals(ctx context.Context, req *TraderRequest) (*JournalsReply, error) {
	var after *int64
	if req.AfterSequence > 0 {
		after = &req.AfterSequence
	}
	entries, err := s.queries.GetJournalHistory(ctx, req.Trader, req.Limit, after)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalsReply{Entries: entries}, nil
}

func (s *RiskService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if _, err := s.admin(ctx); err != nil {
		return nil, err
	}
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

// ============================================================================
// Helpers
// ============================================================================

const defaultAsset = "USDT"

func (s *RiskService) ack() *Ack {
	return &Ack{Sequence: s.engine.Sequence()}
}

func parseAmount(field, raw string, cfg fpmath.DecimalConfig) (int64, error) {
	if raw == "" {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	v, err := fpmath.ParseFixed(raw, cfg)
	if err != nil {
		return 0, invalidArg(field, err)
	}
	return v, nil
}

func parseAsset(name string) (ledger.AssetID, error) {
	if name == "" {
		name = defaultAsset
	}
	id, ok := ledger.GetAssetID(name)
	if !ok {
		return 0, invalidArg("asset", fmt.Errorf("unknown asset %q", name))
	}
	return id, nil
}
