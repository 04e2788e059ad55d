package query

import (
	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

// BalanceResponse is a trader's collateral in one asset plus the value
// locked in positions that settle in it.
type BalanceResponse struct {
	Trader uuid.UUID `json:"trader"`
	Asset  string    `json:"asset"`

	// Ledger balances
	TotalBalance     int64 `json:"total_balance"`     // available + reserved
	AvailableBalance int64 `json:"available_balance"` // collateral only
	ReservedBalance  int64 `json:"reserved_balance"`  // order escrow

	// Derived values (computed at query time, NOT ledger balances)
	PositionMargin  int64 `json:"position_margin"`
	UnrealizedPnL   int64 `json:"unrealized_pnl"`
	EffectiveEquity int64 `json:"effective_equity"` // total + margin + unrealized

	AsOfSequence int64 `json:"as_of_sequence"`
}

// PositionResponse is a position with values derived at the current mark.
type PositionResponse struct {
	state.Position
	Symbol            string `json:"symbol"`
	MarkPrice         int64  `json:"mark_price"`
	Notional          int64  `json:"notional"`
	UnrealizedPnL     int64  `json:"unrealized_pnl"`
	MaintenanceMargin int64  `json:"maintenance_margin"`
	IsLiquidatable    bool   `json:"is_liquidatable"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// MarginInfo aggregates a trader's positions across markets.
type MarginInfo struct {
	Trader uuid.UUID `json:"trader"`

	TotalNotional    int64 `json:"total_notional"`
	TotalMargin      int64 `json:"total_margin"`
	TotalMaintenance int64 `json:"total_maintenance"`
	UnrealizedPnL    int64 `json:"unrealized_pnl"`

	// Markets where the position is liquidatable now
	AtRisk []uint64 `json:"at_risk,omitempty"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	LedgerError     string  `json:"ledger_error,omitempty"`
	CheckedEventLog bool    `json:"checked_event_log"`
}
