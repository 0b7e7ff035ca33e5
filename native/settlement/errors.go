package settlement

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidAmount rejects deposits whose amount is not strictly positive.
	ErrInvalidAmount = errors.New("settlement: amount must be positive")
	// ErrInvalidRoyalty rejects royalty rates above the supported maximum.
	ErrInvalidRoyalty = errors.New("settlement: royalty bps out of range")
	// ErrInvalidTimeout rejects deposits whose timeout is not strictly in the future.
	ErrInvalidTimeout = errors.New("settlement: timeout must be in the future")
	// ErrMissingReceiptURI rejects receipt-eligible deposits without a metadata URI.
	ErrMissingReceiptURI = errors.New("settlement: receipt uri required")
	// ErrDuplicateOrder rejects deposits against an order key that already exists.
	ErrDuplicateOrder = errors.New("settlement: order already exists")
	// ErrNotFound is returned when no escrow record exists for the key.
	ErrNotFound = errors.New("settlement: escrow not found")
	// ErrInvalidState is returned when the current status forbids the transition.
	ErrInvalidState = errors.New("settlement: invalid state for transition")
	// ErrNotAuthorized is returned when the caller lacks the role the transition requires.
	ErrNotAuthorized = errors.New("settlement: caller not authorized")
	// ErrRefundLocked is returned when an admin refund is attempted before the
	// dispute delay elapses. Callers should match with errors.Is and inspect
	// RefundLockedError for the unlock instant.
	ErrRefundLocked = errors.New("settlement: refund locked")
	// ErrMintFailed wraps receipt issuance failures during release. The whole
	// release is rolled back when it occurs.
	ErrMintFailed = errors.New("settlement: receipt mint failed")
)

// RefundLockedError carries the instant at which the admin refund becomes
// available so callers can surface a precise retry time.
type RefundLockedError struct {
	UnlockAt time.Time
}

func (e *RefundLockedError) Error() string {
	return fmt.Sprintf("settlement: refund locked until %s", e.UnlockAt.UTC().Format(time.RFC3339))
}

// Is makes the error match ErrRefundLocked under errors.Is.
func (e *RefundLockedError) Is(target error) bool { return target == ErrRefundLocked }
