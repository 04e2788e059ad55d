package query

import (
	"PerpRisk/internal/core"
	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/projection"
	"PerpRisk/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ErrNoEventLog is returned by queries that need Postgres when none is configured.
var ErrNoEventLog = errors.New("event log not configured")

const maxLimit = 500

// Engine is the read surface of core.Engine.
type Engine interface {
	Sequence() int64
	ListMarkets() []state.Market
	GetMarket(marketID uint64) (state.Market, error)
	GetPosition(marketID uint64, trader uuid.UUID) (state.Position, error)
	IsLiquidatable(marketID uint64, trader uuid.UUID) (bool, error)
}

// Balances is the read surface of the ledger.
type Balances interface {
	Balance(owner uuid.UUID, asset ledger.AssetID) ledger.Balance
}

type invariantChecker interface {
	CheckInvariants() error
}

// QueryService answers account-level questions that span markets, the
// ledger and the history projections. Live values come from the engine;
// history comes from the projections and carries their watermark.
type QueryService struct {
	engine   Engine
	balances Balances
	history  projection.HistoryReader
	db       *sql.DB // optional; journal history and event log checks
}

func NewQueryService(engine Engine, balances Balances, history projection.HistoryReader, db *sql.DB) *QueryService {
	return &QueryService{
		engine:   engine,
		balances: balances,
		history:  history,
		db:       db,
	}
}

// GetBalance returns a trader's balance for one asset with the margin and
// unrealized PnL of positions collateralized in it.
func (qs *QueryService) GetBalance(ctx context.Context, trader uuid.UUID, asset string) (*BalanceResponse, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ledger.ErrUnknownAsset, asset)
	}

	asOf := qs.engine.Sequence()
	bal := qs.balances.Balance(trader, assetID)

	resp := &BalanceResponse{
		Trader:           trader,
		Asset:            asset,
		TotalBalance:     bal.Available + bal.Reserved,
		AvailableBalance: bal.Available,
		ReservedBalance:  bal.Reserved,
		AsOfSequence:     asOf,
	}

	positions, err := qs.GetPositions(ctx, trader)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		m, err := qs.engine.GetMarket(p.MarketID)
		if err != nil || m.CollateralAsset != assetID {
			continue
		}
		resp.PositionMargin += p.Margin
		resp.UnrealizedPnL += p.UnrealizedPnL
	}
	resp.EffectiveEquity = resp.TotalBalance + resp.PositionMargin + resp.UnrealizedPnL
	return resp, nil
}

// GetPositions returns the trader's open positions ordered by market id.
func (qs *QueryService) GetPositions(ctx context.Context, trader uuid.UUID) ([]PositionResponse, error) {
	asOf := qs.engine.Sequence()
	markets := qs.engine.ListMarkets()
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })

	var out []PositionResponse
	for _, m := range markets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pos, err := qs.engine.GetPosition(m.ID, trader)
		if errors.Is(err, core.ErrPositionNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("position in market %d: %w", m.ID, err)
		}

		resp := PositionResponse{
			Position:     pos,
			Symbol:       m.Symbol,
			MarkPrice:    m.MarkPrice,
			AsOfSequence: asOf,
		}
		if m.HasPrice() {
			// A mark whose valuation overflows int64 leaves the fields zero;
			// the engine rejects every price-dependent call in that state.
			notional, nerr := fpmath.ComputeNotionalChecked(pos.Size, m.MarkPrice)
			upnl, perr := fpmath.ComputeRealizedPnLChecked(pos.SideSign(), m.MarkPrice, pos.EntryPrice, pos.Size)
			if nerr == nil && perr == nil {
				resp.Notional = notional
				resp.UnrealizedPnL = upnl
				resp.MaintenanceMargin = fpmath.ComputeMaintenanceMargin(pos.Size, m.MarkPrice, m.Params.MaintenanceMarginBps)
			}
			liq, err := qs.engine.IsLiquidatable(m.ID, trader)
			if err == nil {
				resp.IsLiquidatable = liq
			}
		}
		out = append(out, resp)
	}
	return out, nil
}

// GetMarginSnapshot aggregates the trader's risk across markets.
func (qs *QueryService) GetMarginSnapshot(ctx context.Context, trader uuid.UUID) (*MarginInfo, error) {
	positions, err := qs.GetPositions(ctx, trader)
	if err != nil {
		return nil, err
	}

	info := &MarginInfo{Trader: trader, AsOfSequence: qs.engine.Sequence()}
	for _, p := range positions {
		info.TotalNotional += p.Notional
		info.TotalMargin += p.Margin
		info.TotalMaintenance += p.MaintenanceMargin
		info.UnrealizedPnL += p.UnrealizedPnL
		if p.IsLiquidatable {
			info.AtRisk = append(info.AtRisk, p.MarketID)
		}
	}
	return info, nil
}

// GetFundingHistory returns applied funding intervals for a market, newest
// first, with the projection watermark.
func (qs *QueryService) GetFundingHistory(ctx context.Context, marketID uint64, limit int) ([]projection.FundingRecord, int64, error) {
	asOf, err := qs.history.Watermark(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("watermark: %w", err)
	}
	recs, err := qs.history.FundingHistory(ctx, marketID, clampLimit(limit))
	if err != nil {
		return nil, 0, err
	}
	return recs, asOf, nil
}

// GetLiquidationHistory returns the trader's liquidations, newest first.
func (qs *QueryService) GetLiquidationHistory(ctx context.Context, trader uuid.UUID, limit int) ([]projection.LiquidationRecord, int64, error) {
	asOf, err := qs.history.Watermark(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("watermark: %w", err)
	}
	recs, err := qs.history.LiquidationHistory(ctx, trader, clampLimit(limit))
	if err != nil {
		return nil, 0, err
	}
	return recs, asOf, nil
}

// GetJournalHistory returns journal entries touching a trader's accounts
// with cursor pagination on the ledger batch sequence.
func (qs *QueryService) GetJournalHistory(ctx context.Context, trader uuid.UUID, limit int, afterSequence *int64) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrNoEventLog
	}

	accountPrefix := fmt.Sprintf("user:%s:%%", trader)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var jt int32
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&jt, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.JournalType = ledger.JournalType(jt).String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the ledger invariants in memory and, when an
// event log is configured, the per-market hash chains stored in it.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if c, ok := qs.balances.(invariantChecker); ok {
		if err := c.CheckInvariants(); err != nil {
			report.LedgerError = err.Error()
		}
	}

	if qs.db != nil {
		report.CheckedEventLog = true
		rows, err := qs.db.QueryContext(ctx, `
			SELECT sequence FROM (
				SELECT sequence, prev_hash,
				       LAG(state_hash) OVER (PARTITION BY market_id ORDER BY sequence) AS expected
				FROM event_log.events
			) chain
			WHERE expected IS NOT NULL AND prev_hash != expected
			ORDER BY sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, fmt.Errorf("check hash chain: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				return nil, err
			}
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.LedgerError == ""
	return report, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxLimit {
		return maxLimit
	}
	return limit
}
