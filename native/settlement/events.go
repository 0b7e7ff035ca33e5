package settlement

const (
	EventTypeDeposited = "escrow.deposited"
	EventTypeReleased  = "escrow.released"
	EventTypeDisputed  = "escrow.disputed"
	EventTypeRefunded  = "escrow.refunded"
)

// Event is a settlement transition as recorded on the authoritative ledger.
// Sequence is assigned by the ledger when the enclosing transaction commits
// and forms the stable cursor the reconciliation engine advances through.
type Event struct {
	Sequence   uint64
	Type       string
	Key        OrderKey
	Attributes map[string]string
	Timestamp  int64
}

// NewDepositedEvent returns the canonical event payload for a new deposit.
func NewDepositedEvent(rec *EscrowRecord) Event { return newEvent(EventTypeDeposited, rec) }

// NewReleasedEvent returns the canonical event payload for a release.
func NewReleasedEvent(rec *EscrowRecord) Event { return newEvent(EventTypeReleased, rec) }

// NewDisputedEvent returns the canonical event payload for a dispute.
func NewDisputedEvent(rec *EscrowRecord) Event { return newEvent(EventTypeDisputed, rec) }

// NewRefundedEvent returns the canonical event payload for an admin refund.
func NewRefundedEvent(rec *EscrowRecord) Event { return newEvent(EventTypeRefunded, rec) }

func newEvent(eventType string, rec *EscrowRecord) Event {
	attrs := make(map[string]string)
	evt := Event{Type: eventType, Attributes: attrs}
	if rec == nil {
		return evt
	}
	evt.Key = rec.Key
	attrs["id"] = rec.Key.Hex()
	attrs["buyer"] = string(rec.Buyer)
	attrs["seller"] = string(rec.Seller)
	attrs["status"] = rec.Status.String()
	if rec.Amount != nil {
		attrs["amount"] = rec.Amount.String()
	}
	return evt
}
