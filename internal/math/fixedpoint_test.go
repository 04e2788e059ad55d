package math_test

import (
	fpmath "PerpRisk/internal/math"
	"errors"
	"testing"
)

// ============================================================================
// Test: rounding
// ============================================================================

func TestMulDiv_Rounding(t *testing.T) {
	cases := []struct {
		name    string
		a, b, d int64
		mode    fpmath.RoundingMode
		want    int64
	}{
		{"exact", 6, 1, 2, fpmath.RoundHalfEven, 3},
		{"half even rounds to even up", 7, 1, 2, fpmath.RoundHalfEven, 4},
		{"half even rounds to even down", 5, 1, 2, fpmath.RoundHalfEven, 2},
		{"negative half even", -5, 1, 2, fpmath.RoundHalfEven, -2},
		{"negative half even odd", -7, 1, 2, fpmath.RoundHalfEven, -4},
		{"floor positive", 7, 1, 2, fpmath.RoundDown, 3},
		{"floor negative", -7, 1, 2, fpmath.RoundDown, -4},
		{"ceil positive", 7, 1, 2, fpmath.RoundUp, 4},
		{"ceil negative", -7, 1, 2, fpmath.RoundUp, -3},
		{"large intermediate", 9_000_000_000_000, 9_000_000_000, 1_000_000_000, fpmath.RoundHalfEven, 81_000_000_000_000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fpmath.MulDiv(tc.a, tc.b, tc.d, tc.mode)
			if got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestMulDivChecked_Overflow(t *testing.T) {
	_, err := fpmath.MulDivChecked(1<<62, 1<<62, 1, fpmath.RoundDown)
	if err == nil {
		t.Fatal("expected overflow error")
	}
}

// ============================================================================
// Test: margin arithmetic
// ============================================================================

func TestComputeNotional(t *testing.T) {
	// 0.1 BTC at 50,000.00 = 5,000 quote
	got := fpmath.ComputeNotional(100_000, 5_000_000)
	if got != 5_000_000_000 {
		t.Errorf("got %d, want %d", got, int64(5_000_000_000))
	}
}

func TestComputeRequiredMargin(t *testing.T) {
	got := fpmath.ComputeRequiredMargin(100_000, 5_000_000, 10)
	if got != 500_000_000 {
		t.Errorf("got %d, want %d", got, int64(500_000_000))
	}

	// ceil: 0.000001 units at 0.01 over 3x is a fraction of a quote unit
	if got := fpmath.ComputeRequiredMargin(1, 1, 3); got != 1 {
		t.Errorf("ceil: got %d, want 1", got)
	}
}

func TestComputeFee(t *testing.T) {
	// 10 bps of 5,000 = 5
	if got := fpmath.ComputeFee(100_000, 5_000_000, 10); got != 5_000_000 {
		t.Errorf("got %d, want %d", got, int64(5_000_000))
	}
	if got := fpmath.ComputeFee(100_000, 5_000_000, 0); got != 0 {
		t.Errorf("zero bps: got %d, want 0", got)
	}
}

func TestComputeMaintenanceMargin(t *testing.T) {
	// 0.1 * 48,000 * 1% = 48
	if got := fpmath.ComputeMaintenanceMargin(100_000, 4_800_000, 100); got != 48_000_000 {
		t.Errorf("got %d, want %d", got, int64(48_000_000))
	}
}

func TestComputeRealizedPnL(t *testing.T) {
	long := fpmath.ComputeRealizedPnL(1, 5_500_000, 5_000_000, 100_000)
	if long != 500_000_000 {
		t.Errorf("long: got %d, want %d", long, int64(500_000_000))
	}

	short := fpmath.ComputeRealizedPnL(-1, 4_800_000, 5_000_000, 100_000)
	if short != 200_000_000 {
		t.Errorf("short: got %d, want %d", short, int64(200_000_000))
	}

	loss := fpmath.ComputeUnrealizedPnL(1, 4_800_000, 5_000_000, 100_000)
	if loss != -200_000_000 {
		t.Errorf("long loss: got %d, want %d", loss, int64(-200_000_000))
	}
}

func TestComputeRealizedPnLChecked(t *testing.T) {
	got, err := fpmath.ComputeRealizedPnLChecked(-1, 4_800_000, 5_000_000, 100_000)
	if err != nil || got != 200_000_000 {
		t.Errorf("got %d, %v; want %d", got, err, int64(200_000_000))
	}

	// 1 BTC from 50,000 to 9e13 dollars is ~9e19 in quote units.
	_, err = fpmath.ComputeRealizedPnLChecked(1, 9_000_000_000_000_000, 5_000_000, 1_000_000)
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestComputeAvgEntryPrice(t *testing.T) {
	// 1 @ 50,000 + 1 @ 52,000 = 51,000
	got := fpmath.ComputeAvgEntryPrice(1_000_000, 5_000_000, 1_000_000, 5_200_000)
	if got != 5_100_000 {
		t.Errorf("got %d, want %d", got, int64(5_100_000))
	}

	if got := fpmath.ComputeAvgEntryPrice(0, 0, 1_000_000, 4_000_000); got != 4_000_000 {
		t.Errorf("first fill: got %d, want %d", got, int64(4_000_000))
	}
}

// ============================================================================
// Test: decimal I/O
// ============================================================================

func TestParseFixed(t *testing.T) {
	cases := []struct {
		in      string
		cfg     fpmath.DecimalConfig
		want    int64
		wantErr bool
	}{
		{"0.1", fpmath.QuantityConfig, 100_000, false},
		{"50000", fpmath.PriceConfig, 5_000_000, false},
		{"1000", fpmath.QuoteConfig, 1_000_000_000, false},
		{"-12.5", fpmath.PriceConfig, -1_250, false},
		{"1.234", fpmath.PriceConfig, 0, true},
		{"abc", fpmath.PriceConfig, 0, true},
		{"99999999999999999999", fpmath.QuoteConfig, 0, true},
	}

	for _, tc := range cases {
		got, err := fpmath.ParseFixed(tc.in, tc.cfg)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseFixed(%q): expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFixed(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseFixed(%q): got %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFormatFixed(t *testing.T) {
	if got := fpmath.FormatFixed(100_000, fpmath.QuantityConfig); got != "0.100000" {
		t.Errorf("got %q, want %q", got, "0.100000")
	}
	if got := fpmath.FormatFixed(-150, fpmath.PriceConfig); got != "-1.50" {
		t.Errorf("got %q, want %q", got, "-1.50")
	}
}
