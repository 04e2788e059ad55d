package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownReservation  = errors.New("unknown reservation")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrUnknownAsset        = errors.New("unknown asset")
)

// ReservationID identifies escrowed collateral awaiting commit or release.
type ReservationID uuid.UUID

func (id ReservationID) String() string { return uuid.UUID(id).String() }

func (id ReservationID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *ReservationID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

// ParseReservationID parses the string form of a ReservationID.
func ParseReservationID(s string) (ReservationID, error) {
	u, err := uuid.Parse(s)
	return ReservationID(u), err
}

// Posting moves Amount from one account to another.
type Posting struct {
	From   AccountKey
	To     AccountKey
	Amount int64
	Type   JournalType
}

// Split is one destination of a committed reservation.
type Split struct {
	To     AccountKey
	Amount int64
	Type   JournalType
}

// Reservation is collateral moved into the owner's reserved account.
type Reservation struct {
	ID     ReservationID `json:"id"`
	Owner  uuid.UUID     `json:"owner"`
	Asset  AssetID       `json:"asset"`
	Amount int64         `json:"amount"`
}

// Ledger is the collateral interface the risk engine depends on.
// Every call is atomic: either all postings apply or none do.
type Ledger interface {
	Reserve(ctx context.Context, owner uuid.UUID, asset AssetID, amount int64) (ReservationID, error)
	// Commit moves the full reserved amount to the given splits, which must
	// sum exactly to the reservation.
	Commit(ctx context.Context, id ReservationID, splits ...Split) error
	Release(ctx context.Context, id ReservationID) error
	Transfer(ctx context.Context, postings ...Posting) error
}

// Balance is a trader's view of one asset.
type Balance struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
}

// LedgerSnapshot captures the complete ledger state.
type LedgerSnapshot struct {
	Sequence     int64          `json:"sequence"`
	Balances     []BalanceEntry `json:"balances"`
	Reservations []Reservation  `json:"reservations"`
}

// Option configures a MemoryLedger.
type Option func(*MemoryLedger)

// WithJournalSink registers a callback that receives every applied batch.
// Called with the ledger lock held; must not call back into the ledger.
func WithJournalSink(sink func(*Batch)) Option {
	return func(l *MemoryLedger) { l.sink = sink }
}

// WithClock overrides the timestamp source for journals.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLedger) { l.now = now }
}

// MemoryLedger is an in-process double-entry ledger.
type MemoryLedger struct {
	mu           sync.Mutex
	tracker      *BalanceTracker
	generator    *BatchGenerator
	validator    *InvariantValidator
	reservations map[ReservationID]Reservation
	sink         func(*Batch)
	now          func() time.Time
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger(opts ...Option) *MemoryLedger {
	tracker := NewBalanceTracker()
	l := &MemoryLedger{
		tracker:      tracker,
		generator:    NewBatchGenerator(1),
		validator:    NewInvariantValidator(tracker),
		reservations: make(map[ReservationID]Reservation),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Deposit credits a trader's collateral from the external deposits account.
func (l *MemoryLedger) Deposit(ctx context.Context, owner uuid.UUID, asset AssetID, amount int64, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if _, ok := GetAssetName(asset); !ok {
		return ErrUnknownAsset
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.apply(ref, []Posting{{
		From:   NewExternalAccountKey(SubTypeExternalDeposits, asset),
		To:     NewUserAccountKey(owner, SubTypeCollateral, asset),
		Amount: amount,
		Type:   JournalTypeDeposit,
	}})
}

// Withdraw returns available collateral to the external withdrawals account.
func (l *MemoryLedger) Withdraw(ctx context.Context, owner uuid.UUID, asset AssetID, amount int64, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.apply(ref, []Posting{{
		From:   NewUserAccountKey(owner, SubTypeCollateral, asset),
		To:     NewExternalAccountKey(SubTypeExternalWithdrawals, asset),
		Amount: amount,
		Type:   JournalTypeWithdrawal,
	}})
}

func (l *MemoryLedger) Reserve(ctx context.Context, owner uuid.UUID, asset AssetID, amount int64) (ReservationID, error) {
	if err := ctx.Err(); err != nil {
		return ReservationID{}, err
	}
	if amount <= 0 {
		return ReservationID{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := ReservationID(uuid.New())
	err := l.apply(id.String(), []Posting{{
		From:   NewUserAccountKey(owner, SubTypeCollateral, asset),
		To:     NewUserAccountKey(owner, SubTypeReserved, asset),
		Amount: amount,
		Type:   JournalTypeMarginReserve,
	}})
	if err != nil {
		return ReservationID{}, err
	}

	l.reservations[id] = Reservation{ID: id, Owner: owner, Asset: asset, Amount: amount}
	return id, nil
}

func (l *MemoryLedger) Commit(ctx context.Context, id ReservationID, splits ...Split) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[id]
	if !ok {
		return ErrUnknownReservation
	}

	from := NewUserAccountKey(r.Owner, SubTypeReserved, r.Asset)
	postings := make([]Posting, 0, len(splits))
	var total int64
	for _, s := range splits {
		if s.Amount < 0 || s.To.AssetID != r.Asset {
			return ErrInvalidAmount
		}
		total += s.Amount
		postings = append(postings, Posting{From: from, To: s.To, Amount: s.Amount, Type: s.Type})
	}
	if total != r.Amount {
		return fmt.Errorf("%w: splits sum to %d, reservation holds %d", ErrInvalidAmount, total, r.Amount)
	}

	if err := l.apply(id.String(), postings); err != nil {
		return err
	}
	delete(l.reservations, id)
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, id ReservationID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[id]
	if !ok {
		return ErrUnknownReservation
	}

	err := l.apply(id.String(), []Posting{{
		From:   NewUserAccountKey(r.Owner, SubTypeReserved, r.Asset),
		To:     NewUserAccountKey(r.Owner, SubTypeCollateral, r.Asset),
		Amount: r.Amount,
		Type:   JournalTypeMarginRelease,
	}})
	if err != nil {
		return err
	}
	delete(l.reservations, id)
	return nil
}

func (l *MemoryLedger) Transfer(ctx context.Context, postings ...Posting) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range postings {
		if p.Amount < 0 {
			return ErrInvalidAmount
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.apply(uuid.NewString(), postings)
}

// apply validates and applies postings as one batch. Caller holds l.mu.
func (l *MemoryLedger) apply(ref string, postings []Posting) error {
	batch := l.generator.Generate(ref, l.now(), postings)
	if batch == nil {
		return nil
	}
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if err := l.tracker.CheckBatch(batch); err != nil {
		return err
	}
	if err := l.tracker.ApplyBatch(batch); err != nil {
		return err
	}
	l.generator.Advance()

	if l.sink != nil {
		l.sink(batch)
	}
	return nil
}

// Balance returns a trader's available and reserved collateral.
func (l *MemoryLedger) Balance(owner uuid.UUID, asset AssetID) Balance {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Balance{
		Available: l.tracker.GetUserAvailableBalance(owner, asset),
		Reserved:  l.tracker.GetUserReservedBalance(owner, asset),
	}
}

// AccountBalance returns the raw balance of any account.
func (l *MemoryLedger) AccountBalance(key AccountKey) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.tracker.GetBalance(key)
}

// Reservation returns an open reservation.
func (l *MemoryLedger) Reservation(id ReservationID) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[id]
	return r, ok
}

// CheckInvariants runs every ledger invariant.
func (l *MemoryLedger) CheckInvariants() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := l.validator.ValidateUserAccountsNonNegative(); err != nil {
		return err
	}
	return l.validator.ValidateReservationsBacked(l.reservations)
}

// Snapshot captures balances and open reservations.
func (l *MemoryLedger) Snapshot() *LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := &LedgerSnapshot{
		Sequence:     l.generator.Sequence(),
		Balances:     l.tracker.Entries(),
		Reservations: make([]Reservation, 0, len(l.reservations)),
	}
	for _, r := range l.reservations {
		snap.Reservations = append(snap.Reservations, r)
	}
	sort.Slice(snap.Reservations, func(i, j int) bool {
		return snap.Reservations[i].ID.String() < snap.Reservations[j].ID.String()
	})
	return snap
}

// Restore replaces ledger state with a snapshot.
func (l *MemoryLedger) Restore(snap *LedgerSnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tracker.Restore(snap.Balances)
	l.generator = NewBatchGenerator(snap.Sequence)
	l.reservations = make(map[ReservationID]Reservation, len(snap.Reservations))
	for _, r := range snap.Reservations {
		l.reservations[r.ID] = r
	}

	if err := l.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return l.validator.ValidateReservationsBacked(l.reservations)
}
