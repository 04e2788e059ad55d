package math

import (
	"fmt"
	"math/big"
)

// ComputeFundingRate derives the per-interval funding rate from the open
// interest imbalance: rateCap * (long - short) / (long + short), truncated
// toward zero. Positive means longs pay shorts. The rate is zero when
// either side is empty since there is no one to pay.
func ComputeFundingRate(oiLong, oiShort, rateCap int64) int64 {
	if oiLong <= 0 || oiShort <= 0 {
		return 0
	}

	imbalance := oiLong - oiShort
	sign := int64(1)
	if imbalance < 0 {
		sign = -1
		imbalance = -imbalance
	}

	// long + short can exceed int64 even when each side fits.
	num := MultiplyInt128(rateCap, imbalance)
	defer putInt128(num)
	total := new(big.Int).Add(big.NewInt(oiLong), big.NewInt(oiShort))

	// |rate| <= rateCap, so the quotient always fits.
	return sign * divideBig(num, total, RoundDown).Int64()
}

// ComputePayerIndexDelta returns how far the paying side's cumulative
// index moves for one interval: |rate| * markPrice per whole unit of size,
// in quote scale times IndexConfig.Scale. Rounded up so the paying side
// never underpays.
func ComputePayerIndexDelta(fundingRate, markPrice int64) (int64, error) {
	if fundingRate < 0 {
		fundingRate = -fundingRate
	}

	// raw = |rate| * mark * quoteScale * indexScale / (priceScale * rateScale)
	raw := MultiplyInt128(fundingRate, markPrice)
	defer putInt128(raw)
	raw.Mul(raw, big.NewInt(QuoteConfig.Scale))
	raw.Mul(raw, big.NewInt(IndexConfig.Scale))

	q := divideBig(raw, big.NewInt(PriceConfig.Scale*RateConfig.Scale), RoundUp)
	if !q.IsInt64() {
		return 0, fmt.Errorf("%w: payer index delta", ErrOverflow)
	}
	return q.Int64(), nil
}

// ComputeReceiverIndexDelta spreads what the paying side owes over the
// receiving side's open interest, rounded down so credits never exceed
// debits.
func ComputeReceiverIndexDelta(payerDelta, payerOI, receiverOI int64) (int64, error) {
	if receiverOI <= 0 {
		return 0, nil
	}
	return MulDivChecked(payerDelta, payerOI, receiverOI, RoundDown)
}

// ComputeFundingSettlement converts an index movement into a margin
// adjustment for a position of the given size. The result is signed:
// positive is owed by the position (rounded up), negative is credited to
// it (rounded down in magnitude).
func ComputeFundingSettlement(indexNow, indexAtLastTouch, size int64) (int64, error) {
	delta := indexNow - indexAtLastTouch
	if delta == 0 || size == 0 {
		return 0, nil
	}

	denominator := QuantityConfig.Scale * IndexConfig.Scale
	if delta > 0 {
		return MulDivChecked(delta, size, denominator, RoundUp)
	}

	credit, err := MulDivChecked(-delta, size, denominator, RoundDown)
	if err != nil {
		return 0, err
	}
	return -credit, nil
}
