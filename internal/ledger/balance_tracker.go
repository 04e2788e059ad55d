package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances.
// Not thread-safe; MemoryLedger serializes access.
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// CheckBatch reports the first user account the batch would drive negative.
// Market and external accounts are allowed to go negative; the ledger as a
// whole stays zero-sum.
func (bt *BalanceTracker) CheckBatch(batch *Batch) error {
	deltas := make(map[AccountKey]int64, len(batch.Journals)*2)
	for _, j := range batch.Journals {
		deltas[j.DebitAccount] += j.Amount
		deltas[j.CreditAccount] -= j.Amount
	}

	for key, delta := range deltas {
		if key.Scope != AccountScopeUser || delta >= 0 {
			continue
		}
		if have := bt.balances[key]; have+delta < 0 {
			return fmt.Errorf("%w: %s have=%d, need=%d", ErrInsufficientBalance, key.AccountPath(), have, -delta)
		}
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === User Balance Queries (total_balance = available + reserved) ===

// GetUserTotalBalance returns total balance (collateral + reserved)
func (bt *BalanceTracker) GetUserTotalBalance(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetUserAvailableBalance(userID, assetID) + bt.GetUserReservedBalance(userID, assetID)
}

// GetUserAvailableBalance returns available balance (collateral only)
func (bt *BalanceTracker) GetUserAvailableBalance(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeCollateral, assetID))
}

// GetUserReservedBalance returns balance held by open reservations
func (bt *BalanceTracker) GetUserReservedBalance(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeReserved, assetID))
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// BalanceEntry is one account in a snapshot.
type BalanceEntry struct {
	Key     AccountKey `json:"key"`
	Balance int64      `json:"balance"`
}

// Entries returns all non-zero balances ordered by account path.
func (bt *BalanceTracker) Entries() []BalanceEntry {
	entries := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v == 0 {
			continue
		}
		entries = append(entries, BalanceEntry{Key: k, Balance: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.AccountPath() < entries[j].Key.AccountPath()
	})
	return entries
}

// Restore replaces all balances with the given entries.
func (bt *BalanceTracker) Restore(entries []BalanceEntry) {
	bt.balances = make(map[AccountKey]int64, len(entries))
	for _, e := range entries {
		bt.balances[e.Key] = e.Balance
	}
}
