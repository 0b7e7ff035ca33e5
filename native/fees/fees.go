package fees

import (
	"fmt"
	"math/big"
)

const (
	// BpsDenominator is the basis-point scale: 10000 bps = 100%.
	BpsDenominator = 10_000
	// MaxFeeBps caps the platform fee at 100%.
	MaxFeeBps uint32 = 10_000
	// MaxRoyaltyBps caps receipt royalties at 10%.
	MaxRoyaltyBps uint32 = 1_000
)

var bpsDenom = big.NewInt(BpsDenominator)

// Split divides an escrow amount into the seller payout and the platform fee
// for the supplied fee rate. The fee is floor(amount*feeBps/10000) so
// payout+fee always equals the original amount exactly.
func Split(amount *big.Int, feeBps uint32) (payout, fee *big.Int) {
	total := clone(amount)
	fee = new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(feeBps)))
	fee.Div(fee, bpsDenom)
	payout = new(big.Int).Sub(total, fee)
	return payout, fee
}

// Royalty computes the creator royalty owed on a resale amount using the same
// floor-division rule as Split.
func Royalty(saleAmount *big.Int, royaltyBps uint32) *big.Int {
	royalty := new(big.Int).Mul(clone(saleAmount), new(big.Int).SetUint64(uint64(royaltyBps)))
	return royalty.Div(royalty, bpsDenom)
}

// ValidateFeeBps reports whether the supplied platform fee rate is within the
// supported range.
func ValidateFeeBps(bps uint32) error {
	if bps > MaxFeeBps {
		return fmt.Errorf("fees: fee bps out of range: %d", bps)
	}
	return nil
}

// ValidateRoyaltyBps reports whether the supplied royalty rate is within the
// supported range.
func ValidateRoyaltyBps(bps uint32) error {
	if bps > MaxRoyaltyBps {
		return fmt.Errorf("fees: royalty bps out of range: %d", bps)
	}
	return nil
}

func clone(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
