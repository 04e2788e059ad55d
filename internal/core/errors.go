package core

import (
	"PerpRisk/internal/ledger"
	"errors"
	"fmt"
)

// ErrorClass groups engine failures by how a caller should react.
type ErrorClass uint8

const (
	// ClassValidation: malformed arguments; never retry as-is.
	ClassValidation ErrorClass = iota + 1
	// ClassState: the market, position or order is not in a state that
	// allows the call.
	ClassState
	// ClassEconomic: the call is well-formed but the numbers do not work.
	ClassEconomic
	// ClassConcurrency: another caller won a race for the same object.
	ClassConcurrency
	// ClassInfrastructure: a collaborator failed; the engine state is unchanged.
	ClassInfrastructure
)

func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassState:
		return "state"
	case ClassEconomic:
		return "economic"
	case ClassConcurrency:
		return "concurrency"
	case ClassInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrZeroSize         = errors.New("size must be positive")
	ErrExceedsPosition  = errors.New("size exceeds position")

	ErrMarketNotFound    = errors.New("market not found")
	ErrPositionNotFound  = errors.New("position not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrPaused            = errors.New("market paused")
	ErrStalePrice        = errors.New("stale price")
	ErrTooEarly          = errors.New("too early")
	ErrOrderNotTriggered = errors.New("order not triggered")
	ErrOrderExpired      = errors.New("order expired")
	ErrOrderNotOpen      = errors.New("order not open")
	ErrSideConflict      = errors.New("position is on the opposite side")
	ErrUnauthorized      = errors.New("unauthorized")

	ErrInsufficientMargin  = errors.New("insufficient margin")
	ErrUndercollateralized = errors.New("position would be undercollateralized")
	ErrPositionHealthy     = errors.New("position is healthy")
	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrAlreadyLiquidated = errors.New("position already liquidated")
	ErrAlreadyExecuted   = errors.New("order already executed")

	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

var sentinelClass = map[error]ErrorClass{
	ErrInvalidParameter: ClassValidation,
	ErrZeroSize:         ClassValidation,
	ErrExceedsPosition:  ClassValidation,

	ErrMarketNotFound:    ClassState,
	ErrPositionNotFound:  ClassState,
	ErrOrderNotFound:     ClassState,
	ErrPaused:            ClassState,
	ErrStalePrice:        ClassState,
	ErrTooEarly:          ClassState,
	ErrOrderNotTriggered: ClassState,
	ErrOrderExpired:      ClassState,
	ErrOrderNotOpen:      ClassState,
	ErrSideConflict:      ClassState,
	ErrUnauthorized:      ClassState,

	ErrInsufficientMargin:  ClassEconomic,
	ErrUndercollateralized: ClassEconomic,
	ErrPositionHealthy:     ClassEconomic,
	ErrInsufficientBalance: ClassEconomic,

	ErrAlreadyLiquidated: ClassConcurrency,
	ErrAlreadyExecuted:   ClassConcurrency,

	ErrLedgerUnavailable: ClassInfrastructure,
}

// Error is the only error type the engine returns.
type Error struct {
	Class  ErrorClass
	Op     string
	Err    error // one of the sentinels above
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Err, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(op string, sentinel error, format string, args ...interface{}) error {
	detail := ""
	if format != "" {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{
		Class:  sentinelClass[sentinel],
		Op:     op,
		Err:    sentinel,
		Detail: detail,
	}
}

// ledgerError classifies a ledger failure. Only an overdraft is economic;
// anything else, cancellation included, is reported as the ledger being
// unavailable. Engine state is untouched in both cases.
func ledgerError(op string, err error) error {
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return fail(op, ErrInsufficientBalance, "%v", err)
	}
	return fail(op, ErrLedgerUnavailable, "%v", err)
}

// ClassOf returns the class of an engine error.
func ClassOf(err error) (ErrorClass, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return 0, false
}

// IsConcurrency reports whether err means another caller won a race.
func IsConcurrency(err error) bool {
	class, ok := ClassOf(err)
	return ok && class == ClassConcurrency
}
