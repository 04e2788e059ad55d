package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

// ValidateUserAccountsNonNegative checks every trader account is >= 0
func (v *InvariantValidator) ValidateUserAccountsNonNegative() error {
	for key := range v.tracker.balances {
		if key.Scope != AccountScopeUser {
			continue
		}
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}

// ValidateReservationsBacked checks each trader's reserved balance equals
// the sum of their open reservations.
func (v *InvariantValidator) ValidateReservationsBacked(reservations map[ReservationID]Reservation) error {
	held := make(map[AccountKey]int64)
	for _, r := range reservations {
		held[NewUserAccountKey(r.Owner, SubTypeReserved, r.Asset)] += r.Amount
	}

	for key, balance := range v.tracker.balances {
		if key.Scope == AccountScopeUser && key.SubType == SubTypeReserved && balance != held[key] {
			return fmt.Errorf("%s: reserved=%d, reservations=%d", key.AccountPath(), balance, held[key])
		}
	}
	for key, amount := range held {
		if v.tracker.GetBalance(key) != amount {
			return fmt.Errorf("%s: reserved=%d, reservations=%d", key.AccountPath(), v.tracker.GetBalance(key), amount)
		}
	}
	return nil
}
