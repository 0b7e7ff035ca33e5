// Package audit provides the append-only trail of settlement transitions and
// reconciliation corrections. Entries are evidence: no update or delete path
// exists, and the trail is never read back as current state.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the settlement engine and the reconciliation engine.
const (
	ActionDeposit          = "deposit"
	ActionRelease          = "release"
	ActionDispute          = "dispute"
	ActionAdminRefund      = "admin_refund"
	ActionFeeUpdate        = "fee_update"
	ActionCreateProjection = "create_projection"
	ActionSyncStatus       = "sync_status"
	ActionSkipUnmapped     = "skip_unmapped"
	ActionReconError       = "recon_error"
)

// Entry is a single immutable audit record.
type Entry struct {
	ID         uuid.UUID
	Action     string
	OrderKey   string
	Detail     string
	OccurredAt time.Time
}

// NewEntry builds an entry with a fresh identifier.
func NewEntry(action, orderKey, detail string, occurredAt time.Time) Entry {
	return Entry{
		ID:         uuid.New(),
		Action:     action,
		OrderKey:   orderKey,
		Detail:     detail,
		OccurredAt: occurredAt,
	}
}

// Trail persists audit entries.
type Trail interface {
	Append(ctx context.Context, entry Entry) error
	ByOrder(ctx context.Context, orderKey string) ([]Entry, error)
}

// MemoryTrail keeps entries in memory. Intended for tests.
type MemoryTrail struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryTrail returns an empty in-memory trail.
func NewMemoryTrail() *MemoryTrail { return &MemoryTrail{} }

// Append stores the entry.
func (m *MemoryTrail) Append(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// ByOrder returns the entries recorded for the key in append order.
func (m *MemoryTrail) ByOrder(_ context.Context, orderKey string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, entry := range m.entries {
		if entry.OrderKey == orderKey {
			out = append(out, entry)
		}
	}
	return out, nil
}

// All returns every recorded entry in append order.
func (m *MemoryTrail) All() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
