package math_test

import (
	fpmath "PerpRisk/internal/math"
	"testing"
)

func TestComputeFundingRate(t *testing.T) {
	cases := []struct {
		name        string
		long, short int64
		rateCap     int64
		want        int64
	}{
		{"longs heavy", 3_000_000, 1_000_000, 10_000, 5_000},
		{"shorts heavy", 1_000_000, 3_000_000, 10_000, -5_000},
		{"balanced", 2_000_000, 2_000_000, 10_000, 0},
		{"no shorts", 2_000_000, 0, 10_000, 0},
		{"no longs", 0, 2_000_000, 10_000, 0},
		{"all one side of cap", 999_999, 1, 10_000, 9_999},
		{"sides sum past int64", 9_000_000_000_000_000_000, 8_000_000_000_000_000_000, 10_000, 588},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fpmath.ComputeFundingRate(tc.long, tc.short, tc.rateCap)
			if got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestComputePayerIndexDelta(t *testing.T) {
	// 0.005% of 50,000 = 2.5 quote per unit
	got, err := fpmath.ComputePayerIndexDelta(5_000, 5_000_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 2_500_000_000_000 {
		t.Errorf("got %d, want %d", got, int64(2_500_000_000_000))
	}

	neg, err := fpmath.ComputePayerIndexDelta(-5_000, 5_000_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if neg != got {
		t.Errorf("sign must not matter: got %d, want %d", neg, got)
	}
}

func TestFundingConservation(t *testing.T) {
	payerDelta, err := fpmath.ComputePayerIndexDelta(5_000, 5_000_000)
	if err != nil {
		t.Fatalf("payer delta: %v", err)
	}

	// 3 units long pay 1 unit short
	recvDelta, err := fpmath.ComputeReceiverIndexDelta(payerDelta, 3_000_000, 1_000_000)
	if err != nil {
		t.Fatalf("receiver delta: %v", err)
	}

	debit, err := fpmath.ComputeFundingSettlement(payerDelta, 0, 3_000_000)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	credit, err := fpmath.ComputeFundingSettlement(-recvDelta, 0, 1_000_000)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}

	if debit != 7_500_000 {
		t.Errorf("debit: got %d, want %d", debit, int64(7_500_000))
	}
	if credit != -7_500_000 {
		t.Errorf("credit: got %d, want %d", credit, int64(-7_500_000))
	}
}

func TestComputeFundingSettlement_Rounding(t *testing.T) {
	// Debits round up, credits round down.
	debit, _ := fpmath.ComputeFundingSettlement(1, 0, 1)
	if debit != 1 {
		t.Errorf("debit: got %d, want 1", debit)
	}

	credit, _ := fpmath.ComputeFundingSettlement(-1, 0, 1)
	if credit != 0 {
		t.Errorf("credit: got %d, want 0", credit)
	}

	same, _ := fpmath.ComputeFundingSettlement(42, 42, 1_000_000)
	if same != 0 {
		t.Errorf("no movement: got %d, want 0", same)
	}
}

func TestComputeReceiverIndexDelta_Empty(t *testing.T) {
	got, err := fpmath.ComputeReceiverIndexDelta(100, 1_000, 0)
	if err != nil || got != 0 {
		t.Errorf("got (%d, %v), want (0, nil)", got, err)
	}
}
