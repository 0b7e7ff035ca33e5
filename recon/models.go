package recon

import "time"

// CursorName is the cursor row tracking the last fully processed ledger
// sequence.
const CursorName = "settlement"

// Projection mirrors one authoritative escrow record. It is owned exclusively
// by the reconciliation engine: request-serving code reads it but never writes
// it, so every value here is something the ledger said, not something a user
// did.
type Projection struct {
	OrderKey     string `gorm:"primaryKey;size:64"`
	OrderID      string `gorm:"index;size:128"`
	Buyer        string `gorm:"size:128"`
	Seller       string `gorm:"size:128"`
	Amount       string `gorm:"size:80"`
	Status       string `gorm:"size:16;index"`
	TimeoutAt    int64
	LastSyncedAt time.Time
	// OnchainRef is the ledger sequence of the event that triggered the last
	// sync, kept for operational debugging.
	OnchainRef uint64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OrderKeyMapping resolves a ledger-native order key back to the
// human-readable order identifier. Populated at deposit time because the key
// is a one-way hash and can never be reversed.
type OrderKeyMapping struct {
	OrderKey  string `gorm:"primaryKey;size:64"`
	OrderID   string `gorm:"index;size:128"`
	CreatedAt time.Time
}

// Cursor stores the last ledger position a named consumer fully processed.
type Cursor struct {
	Name      string `gorm:"primaryKey;size:32"`
	Value     uint64
	UpdatedAt time.Time
}
