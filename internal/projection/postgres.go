package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const watermarkWorker = "main"

// PostgresHistory stores history in the projections schema.
type PostgresHistory struct {
	db *sql.DB
}

var (
	_ HistoryStore  = (*PostgresHistory)(nil)
	_ HistoryReader = (*PostgresHistory)(nil)
)

func NewPostgresHistory(db *sql.DB) *PostgresHistory {
	return &PostgresHistory{db: db}
}

func (p *PostgresHistory) RecordFunding(ctx context.Context, rec FundingRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO projections.funding_history
			(sequence, market_id, rate, mark_price, open_interest_long, open_interest_short, long_index, short_index, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence) DO NOTHING
	`, rec.Sequence, int64(rec.MarketID), rec.Rate, rec.MarkPrice,
		rec.OpenInterestLong, rec.OpenInterestShort, rec.LongIndex, rec.ShortIndex, rec.AppliedAt)
	return err
}

func (p *PostgresHistory) RecordLiquidation(ctx context.Context, rec LiquidationRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, liquidation_id, market_id, trader, keeper, side, size, entry_price, mark_price,
			 realized_pnl, keeper_fee, trader_payout, bad_debt, liquidated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (sequence) DO NOTHING
	`, rec.Sequence, rec.LiquidationID, int64(rec.MarketID), rec.Trader, rec.Keeper, rec.Side,
		rec.Size, rec.EntryPrice, rec.MarkPrice, rec.RealizedPnL, rec.KeeperFee,
		rec.TraderPayout, rec.BadDebt, rec.LiquidatedAt)
	return err
}

func (p *PostgresHistory) SetWatermark(ctx context.Context, sequence int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, $2), updated_at = NOW()
	`, watermarkWorker, sequence)
	return err
}

func (p *PostgresHistory) FundingHistory(ctx context.Context, marketID uint64, limit int) ([]FundingRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT sequence, market_id, rate, mark_price, open_interest_long, open_interest_short,
		       long_index, short_index, applied_at
		FROM projections.funding_history
		WHERE market_id = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, int64(marketID), limit)
	if err != nil {
		return nil, fmt.Errorf("query funding history: %w", err)
	}
	defer rows.Close()

	var out []FundingRecord
	for rows.Next() {
		var r FundingRecord
		var market int64
		if err := rows.Scan(&r.Sequence, &market, &r.Rate, &r.MarkPrice, &r.OpenInterestLong,
			&r.OpenInterestShort, &r.LongIndex, &r.ShortIndex, &r.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan funding history: %w", err)
		}
		r.MarketID = uint64(market)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresHistory) LiquidationHistory(ctx context.Context, trader uuid.UUID, limit int) ([]LiquidationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT sequence, liquidation_id, market_id, trader, keeper, side, size, entry_price, mark_price,
		       realized_pnl, keeper_fee, trader_payout, bad_debt, liquidated_at
		FROM projections.liquidation_history
		WHERE trader = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, trader, limit)
	if err != nil {
		return nil, fmt.Errorf("query liquidation history: %w", err)
	}
	defer rows.Close()

	var out []LiquidationRecord
	for rows.Next() {
		var r LiquidationRecord
		var market int64
		if err := rows.Scan(&r.Sequence, &r.LiquidationID, &market, &r.Trader, &r.Keeper, &r.Side,
			&r.Size, &r.EntryPrice, &r.MarkPrice, &r.RealizedPnL, &r.KeeperFee,
			&r.TraderPayout, &r.BadDebt, &r.LiquidatedAt); err != nil {
			return nil, fmt.Errorf("scan liquidation history: %w", err)
		}
		r.MarketID = uint64(market)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresHistory) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := p.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = $1
	`, watermarkWorker).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// RebuildHistory rebuilds the history tables by replaying the event log.
// Projections are derived data; the event log is the source of truth.
func RebuildHistory(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	statements := []struct {
		name string
		sql  string
	}{
		{"truncate funding", `TRUNCATE projections.funding_history`},
		{"truncate liquidations", `TRUNCATE projections.liquidation_history`},
		{"reset watermark", `DELETE FROM projections.watermark WHERE worker_id = 'main'`},
		{"rebuild funding", `
			INSERT INTO projections.funding_history
				(sequence, market_id, rate, mark_price, open_interest_long, open_interest_short, long_index, short_index, applied_at)
			SELECT sequence, market_id,
			       (payload->>'rate')::BIGINT,
			       (payload->>'mark_price')::BIGINT,
			       (payload->>'open_interest_long')::BIGINT,
			       (payload->>'open_interest_short')::BIGINT,
			       (payload->>'long_funding_index')::BIGINT,
			       (payload->>'short_funding_index')::BIGINT,
			       timestamp
			FROM event_log.events
			WHERE event_type = 'FundingApplied'`},
		{"rebuild liquidations", `
			INSERT INTO projections.liquidation_history
				(sequence, liquidation_id, market_id, trader, keeper, side, size, entry_price, mark_price,
				 realized_pnl, keeper_fee, trader_payout, bad_debt, liquidated_at)
			SELECT sequence,
			       (payload->>'liquidation_id')::UUID,
			       market_id,
			       (payload->>'trader')::UUID,
			       (payload->>'keeper')::UUID,
			       payload->>'side',
			       (payload->>'size')::BIGINT,
			       (payload->>'entry_price')::BIGINT,
			       (payload->>'mark_price')::BIGINT,
			       (payload->>'realized_pnl')::BIGINT,
			       (payload->>'keeper_fee')::BIGINT,
			       (payload->>'trader_payout')::BIGINT,
			       (payload->>'bad_debt')::BIGINT,
			       timestamp
			FROM event_log.events
			WHERE event_type = 'PositionLiquidated'`},
		{"set watermark", `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			SELECT 'main', COALESCE(MAX(sequence), 0), NOW() FROM event_log.events`},
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("%s: %w", stmt.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
