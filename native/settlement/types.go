package settlement

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Status represents the lifecycle states of a settled order. Transitions are
// monotonic: once an order reaches a terminal state it never leaves it.
type Status uint8

const (
	StatusNone Status = iota
	StatusDeposited
	StatusDisputed
	StatusReleased
	StatusRefunded
)

var statusNames = map[Status]string{
	StatusNone:      "none",
	StatusDeposited: "deposited",
	StatusDisputed:  "disputed",
	StatusReleased:  "released",
	StatusRefunded:  "refunded",
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus maps a canonical status name back to its enum value.
func ParseStatus(name string) (Status, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	for status, n := range statusNames {
		if n == trimmed {
			return status, nil
		}
	}
	return StatusNone, fmt.Errorf("settlement: unknown status %q", name)
}

// AccountID identifies a ledger account (buyer, seller, vault, fee recipient).
type AccountID string

// OrderKey is the fixed-width ledger-facing identifier of an order, derived as
// a one-way hash of the human-readable order identifier. The hash is never
// reversed; the reconciliation layer persists the key-to-order mapping at
// deposit time instead.
type OrderKey [32]byte

// DeriveOrderKey hashes a human-readable order identifier into its ledger key
// using keccak256, matching the identifier scheme used on the authoritative
// ledger.
func DeriveOrderKey(orderID string) OrderKey {
	return OrderKey(ethcrypto.Keccak256Hash([]byte(orderID)))
}

// Hex returns the lowercase hex form of the key without a 0x prefix.
func (k OrderKey) Hex() string { return hex.EncodeToString(k[:]) }

// ParseOrderKey decodes a hex-encoded order key, accepting an optional 0x
// prefix.
func ParseOrderKey(raw string) (OrderKey, error) {
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	var key OrderKey
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return key, fmt.Errorf("settlement: invalid order key: %w", err)
	}
	if len(decoded) != len(key) {
		return key, fmt.Errorf("settlement: order key must be %d bytes, got %d", len(key), len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

// EscrowRecord captures the escrow custody state of a single order.
type EscrowRecord struct {
	Key             OrderKey
	Buyer           AccountID
	Seller          AccountID
	Amount          *big.Int
	TimeoutAt       int64
	CreatedAt       int64
	DisputedAt      int64
	Status          Status
	ReceiptEligible bool
	ReceiptURI      string
	RoyaltyBps      uint32
	TokenID         *uint64
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored instance.
func (r *EscrowRecord) Clone() *EscrowRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if r.TokenID != nil {
		id := *r.TokenID
		clone.TokenID = &id
	}
	return &clone
}

// FeeConfig is the process-wide fee policy applied by release transitions. It
// is read as a single snapshot per release; updates affect only future
// releases.
type FeeConfig struct {
	PlatformFeeBps uint32
	FeeRecipient   AccountID
}

// TransitionReceipt summarises a committed settlement transition.
type TransitionReceipt struct {
	Key     OrderKey
	Status  Status
	TokenID *uint64
	Fee     *big.Int
	Payout  *big.Int
}
