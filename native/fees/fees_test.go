package fees

import (
	"math/big"
	"testing"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		name   string
		amount int64
		bps    uint32
		payout int64
		fee    int64
	}{
		{"five percent", 100, 500, 95, 5},
		{"zero fee", 100, 0, 100, 0},
		{"full fee", 100, 10_000, 0, 100},
		{"floor rounding", 99, 500, 95, 4},
		{"one unit", 1, 500, 1, 0},
		{"large amount", 1_000_000_000, 250, 975_000_000, 25_000_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payout, fee := Split(big.NewInt(tc.amount), tc.bps)
			if payout.Int64() != tc.payout {
				t.Fatalf("payout = %s, want %d", payout, tc.payout)
			}
			if fee.Int64() != tc.fee {
				t.Fatalf("fee = %s, want %d", fee, tc.fee)
			}
		})
	}
}

func TestSplitConservesAmount(t *testing.T) {
	for amount := int64(0); amount < 1000; amount += 7 {
		for _, bps := range []uint32{0, 1, 250, 500, 999, 10_000} {
			payout, fee := Split(big.NewInt(amount), bps)
			sum := new(big.Int).Add(payout, fee)
			if sum.Int64() != amount {
				t.Fatalf("payout %s + fee %s != amount %d (bps %d)", payout, fee, amount, bps)
			}
		}
	}
}

func TestSplitDoesNotMutateInput(t *testing.T) {
	amount := big.NewInt(100)
	Split(amount, 500)
	if amount.Int64() != 100 {
		t.Fatalf("input mutated: %s", amount)
	}
}

func TestRoyalty(t *testing.T) {
	if got := Royalty(big.NewInt(100), 1000); got.Int64() != 10 {
		t.Fatalf("royalty = %s, want 10", got)
	}
	if got := Royalty(big.NewInt(100), 0); got.Sign() != 0 {
		t.Fatalf("royalty = %s, want 0", got)
	}
	if got := Royalty(nil, 500); got.Sign() != 0 {
		t.Fatalf("royalty on nil = %s, want 0", got)
	}
}

func TestValidateRoyaltyBps(t *testing.T) {
	if err := ValidateRoyaltyBps(1000); err != nil {
		t.Fatalf("1000 bps should be valid: %v", err)
	}
	if err := ValidateRoyaltyBps(1001); err == nil {
		t.Fatal("1001 bps should be rejected")
	}
}

func TestValidateFeeBps(t *testing.T) {
	if err := ValidateFeeBps(10_000); err != nil {
		t.Fatalf("10000 bps should be valid: %v", err)
	}
	if err := ValidateFeeBps(10_001); err == nil {
		t.Fatal("10001 bps should be rejected")
	}
}
