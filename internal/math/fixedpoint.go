package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	PriceConfig    = DecimalConfig{DecimalPrecision: 2, Scale: 100}         // 0.01
	QuantityConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // 0.000001 base units
	QuoteConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // 0.000001 collateral
	RateConfig     = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // 0.00000001 (funding rate)

	// IndexConfig is the extra precision carried by cumulative funding
	// indexes on top of quote scale, per whole unit of size.
	IndexConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
)

// BpsDenominator is 100% in basis points.
const BpsDenominator int64 = 10_000

var ErrOverflow = errors.New("fixed-point overflow")

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b without overflow. The caller returns the
// result with putInt128 once done.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // toward negative infinity
	RoundUp                           // toward positive infinity
)

// divideBig performs numerator / denominator (denominator > 0) with rounding.
// big.Int DivMod is Euclidean, so with a positive denominator the quotient
// is already floored and the remainder is non-negative.
func divideBig(numerator *big.Int, denominator *big.Int, roundingMode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getInt128()
	defer putInt128(remainder)

	quotient.DivMod(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	switch roundingMode {
	case RoundUp:
		quotient.Add(quotient, big.NewInt(1))
	case RoundHalfEven:
		twice := getInt128()
		twice.Lsh(remainder, 1)
		cmp := twice.Cmp(denominator)
		putInt128(twice)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(1))
		}
	}
	return quotient
}

// DivideInt128 performs numerator / denominator with rounding.
// Panics if the result does not fit in int64; use MulDivChecked where
// inputs are caller controlled.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	if denominator <= 0 {
		panic("fixedpoint: non-positive denominator")
	}
	q := divideBig(numerator, big.NewInt(denominator), roundingMode)
	if !q.IsInt64() {
		panic(fmt.Sprintf("fixedpoint: %s overflows int64", q.String()))
	}
	return q.Int64()
}

// MulDivChecked computes a*b/denominator with rounding, reporting overflow
// instead of panicking.
func MulDivChecked(a, b, denominator int64, mode RoundingMode) (int64, error) {
	if denominator <= 0 {
		return 0, fmt.Errorf("%w: denominator %d", ErrOverflow, denominator)
	}
	n := MultiplyInt128(a, b)
	defer putInt128(n)

	q := divideBig(n, big.NewInt(denominator), mode)
	if !q.IsInt64() {
		return 0, fmt.Errorf("%w: %d*%d/%d", ErrOverflow, a, b, denominator)
	}
	return q.Int64(), nil
}

// MulDiv computes a*b/denominator with rounding.
func MulDiv(a, b, denominator int64, mode RoundingMode) int64 {
	n := MultiplyInt128(a, b)
	defer putInt128(n)
	return DivideInt128(n, denominator, mode)
}

// ComputeAvgEntryPrice calculates weighted average entry price
func ComputeAvgEntryPrice(oldSize, oldAvgEntry, fillQty, fillPrice int64) int64 {
	if oldSize == 0 {
		return fillPrice
	}

	// numerator = oldSize * oldAvgEntry + fillQty * fillPrice
	term1 := MultiplyInt128(oldSize, oldAvgEntry)
	term2 := MultiplyInt128(fillQty, fillPrice)
	numerator := getInt128()
	numerator.Add(term1, term2)

	result := DivideInt128(numerator, oldSize+fillQty, RoundHalfEven)

	putInt128(term1)
	putInt128(term2)
	putInt128(numerator)

	return result
}

// scaled computes size*price*quoteScale / (priceScale*qtyScale*divisor).
func scaled(size, price, divisor int64, mode RoundingMode) int64 {
	raw := MultiplyInt128(size, price)
	raw.Mul(raw, big.NewInt(QuoteConfig.Scale))
	denominator := PriceConfig.Scale * QuantityConfig.Scale * divisor

	result := DivideInt128(raw, denominator, mode)
	putInt128(raw)
	return result
}

// ComputeNotional returns size*price in quote scale.
func ComputeNotional(size, price int64) int64 {
	return scaled(size, price, 1, RoundHalfEven)
}

// ComputeNotionalChecked is ComputeNotional returning ErrOverflow when the
// notional does not fit in int64.
func ComputeNotionalChecked(size, price int64) (int64, error) {
	return MulDivChecked(size, price, PriceConfig.Scale*QuantityConfig.Scale/QuoteConfig.Scale, RoundHalfEven)
}

// ComputeRequiredMargin returns ceil(size*price/leverage) in quote scale.
func ComputeRequiredMargin(size, price, leverage int64) int64 {
	return scaled(size, price, leverage, RoundUp)
}

// ComputeBps returns amount*bps/10000 with the given rounding.
func ComputeBps(amount, bps int64, mode RoundingMode) int64 {
	return MulDiv(amount, bps, BpsDenominator, mode)
}

// ComputeFee returns the fee on a notional, rounded up.
func ComputeFee(size, price, feeBps int64) int64 {
	if feeBps == 0 {
		return 0
	}
	raw := MultiplyInt128(size, price)
	raw.Mul(raw, big.NewInt(QuoteConfig.Scale*feeBps))
	result := DivideInt128(raw, PriceConfig.Scale*QuantityConfig.Scale*BpsDenominator, RoundUp)
	putInt128(raw)
	return result
}

// ComputeMaintenanceMargin returns notional(size, price)*mmBps/10000,
// computed in a single division.
func ComputeMaintenanceMargin(size, price, mmBps int64) int64 {
	raw := MultiplyInt128(size, price)
	raw.Mul(raw, big.NewInt(QuoteConfig.Scale*mmBps))
	result := DivideInt128(raw, PriceConfig.Scale*QuantityConfig.Scale*BpsDenominator, RoundHalfEven)
	putInt128(raw)
	return result
}

// ComputeRealizedPnL calculates PnL for closing closeQty at fillPrice.
func ComputeRealizedPnL(
	sideSign int64, // +1 for long, -1 for short
	fillPrice int64, // Price scale
	avgEntryPrice int64, // Price scale
	closeQty int64, // Quantity scale
) int64 {
	priceDiff := fillPrice - avgEntryPrice

	temp := MultiplyInt128(sideSign*priceDiff, closeQty)
	temp.Mul(temp, big.NewInt(QuoteConfig.Scale))

	result := DivideInt128(temp, PriceConfig.Scale*QuantityConfig.Scale, RoundHalfEven)
	putInt128(temp)

	return result
}

// ComputeRealizedPnLChecked is ComputeRealizedPnL returning ErrOverflow
// when the result does not fit in int64.
func ComputeRealizedPnLChecked(sideSign, fillPrice, avgEntryPrice, closeQty int64) (int64, error) {
	temp := MultiplyInt128(sideSign*(fillPrice-avgEntryPrice), closeQty)
	defer putInt128(temp)
	temp.Mul(temp, big.NewInt(QuoteConfig.Scale))

	q := divideBig(temp, big.NewInt(PriceConfig.Scale*QuantityConfig.Scale), RoundHalfEven)
	if !q.IsInt64() {
		return 0, fmt.Errorf("%w: pnl of %d at %d from entry %d", ErrOverflow, closeQty, fillPrice, avgEntryPrice)
	}
	return q.Int64(), nil
}

// ComputeUnrealizedPnL calculates unrealized PnL at markPrice.
func ComputeUnrealizedPnL(sideSign, markPrice, avgEntryPrice, positionSize int64) int64 {
	return ComputeRealizedPnL(sideSign, markPrice, avgEntryPrice, positionSize)
}

// ParseFixed converts a decimal string such as "50000.25" to fixed point.
// Inputs with more precision than the config allows are rejected rather
// than rounded.
func ParseFixed(s string, cfg DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	shifted := d.Shift(int32(cfg.DecimalPrecision))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("parse %q: more than %d decimal places", s, cfg.DecimalPrecision)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("parse %q: %w", s, ErrOverflow)
	}
	return shifted.IntPart(), nil
}

// FormatFixed renders a fixed-point value as a decimal string.
func FormatFixed(v int64, cfg DecimalConfig) string {
	return decimal.New(v, -int32(cfg.DecimalPrecision)).StringFixed(int32(cfg.DecimalPrecision))
}
