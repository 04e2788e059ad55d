package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeMarginReserve
	JournalTypeMarginRelease
	JournalTypeMarginCommit
	JournalTypeTradeFee
	JournalTypeMarginTransfer
	JournalTypeRealizedPnL
	JournalTypeLiquidationFee
	JournalTypeLiquidationSettle
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeMarginReserve:
		return "margin_reserve"
	case JournalTypeMarginRelease:
		return "margin_release"
	case JournalTypeMarginCommit:
		return "margin_commit"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypeMarginTransfer:
		return "margin_transfer"
	case JournalTypeRealizedPnL:
		return "realized_pnl"
	case JournalTypeLiquidationFee:
		return "liquidation_fee"
	case JournalTypeLiquidationSettle:
		return "liquidation_settle"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Operation reference (reservation id, deposit id, ...)
	Sequence      int64       // Ledger batch sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Epoch microseconds
}

// Batch represents a balanced set of journal entries applied atomically
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal moves a single
// positive amount from the credit account to the debit account, so every
// entry is balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
