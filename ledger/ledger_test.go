package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"escrowd/native/settlement"
)

func TestFundAndBalance(t *testing.T) {
	l := New()
	l.Fund("alice", big.NewInt(100))
	l.Fund("alice", big.NewInt(50))
	l.Fund("alice", nil)
	l.Fund("alice", big.NewInt(-5))

	if got := l.BalanceOf("alice").Int64(); got != 150 {
		t.Fatalf("balance = %d, want 150", got)
	}
	if got := l.BalanceOf("nobody").Int64(); got != 0 {
		t.Fatalf("unknown account balance = %d, want 0", got)
	}
}

func TestTransferStagedUntilCommit(t *testing.T) {
	l := New()
	l.Fund("alice", big.NewInt(100))

	tx, err := l.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Transfer("alice", "bob", big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if got := l.BalanceOf("alice").Int64(); got != 60 {
		t.Fatalf("alice = %d, want 60", got)
	}
	if got := l.BalanceOf("bob").Int64(); got != 40 {
		t.Fatalf("bob = %d, want 40", got)
	}
}

func TestRollbackDiscardsEverything(t *testing.T) {
	l := New()
	l.Fund("alice", big.NewInt(100))

	key := settlement.DeriveOrderKey("order-1")
	tx, err := l.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Transfer("alice", "bob", big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := tx.EscrowPut(&settlement.EscrowRecord{Key: key, Amount: big.NewInt(40), Status: settlement.StatusDeposited}); err != nil {
		t.Fatalf("escrow put: %v", err)
	}
	if _, err := tx.MintReceipt("seller", "buyer", "ipfs://x", 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	tx.Append(settlement.Event{Type: settlement.EventTypeDeposited, Key: key})
	tx.Rollback()

	if got := l.BalanceOf("alice").Int64(); got != 100 {
		t.Fatalf("alice = %d after rollback, want 100", got)
	}
	if _, ok, _ := l.EscrowGet(key); ok {
		t.Fatalf("escrow visible after rollback")
	}
	if _, ok, _ := l.Token(0); ok {
		t.Fatalf("token visible after rollback")
	}
	events, _ := l.Events(context.Background(), 0, 10)
	if len(events) != 0 {
		t.Fatalf("events visible after rollback: %+v", events)
	}
}

func TestTokenCounterGaplessAcrossRollback(t *testing.T) {
	l := New()

	tx, _ := l.Begin()
	if id, _ := tx.MintReceipt("s", "b", "uri", 0); id != 0 {
		t.Fatalf("first staged id = %d, want 0", id)
	}
	tx.Rollback()

	tx, _ = l.Begin()
	id, _ := tx.MintReceipt("s", "b", "uri", 0)
	if id != 0 {
		t.Fatalf("id after rollback = %d, want 0", id)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, _ = l.Begin()
	if id, _ := tx.MintReceipt("s", "b", "uri", 0); id != 1 {
		t.Fatalf("next id = %d, want 1", id)
	}
	tx.Rollback()
}

func TestInsufficientFunds(t *testing.T) {
	l := New()
	l.Fund("alice", big.NewInt(10))

	tx, _ := l.Begin()
	err := tx.Transfer("alice", "bob", big.NewInt(11))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	tx.Rollback()
}

func TestEventsSequencedAndPaged(t *testing.T) {
	l := New()
	l.SetNowFunc(func() int64 { return 42 })
	key := settlement.DeriveOrderKey("order-1")

	for i := 0; i < 3; i++ {
		tx, _ := l.Begin()
		tx.Append(settlement.Event{Type: settlement.EventTypeDeposited, Key: key})
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	events, err := l.Events(context.Background(), 0, 2)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 || events[0].Sequence != 1 || events[1].Sequence != 2 {
		t.Fatalf("page one = %+v", events)
	}
	if events[0].Timestamp != 42 {
		t.Fatalf("timestamp = %d, want 42", events[0].Timestamp)
	}

	events, err = l.Events(context.Background(), 2, 10)
	if err != nil {
		t.Fatalf("events after 2: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 3 {
		t.Fatalf("page two = %+v", events)
	}

	latest, err := l.LatestSequence(context.Background())
	if err != nil || latest != 3 {
		t.Fatalf("latest = %d err = %v, want 3", latest, err)
	}
}

func TestCommittedRecordsAreIsolatedCopies(t *testing.T) {
	l := New()
	key := settlement.DeriveOrderKey("order-1")

	tx, _ := l.Begin()
	rec := &settlement.EscrowRecord{Key: key, Amount: big.NewInt(100), Status: settlement.StatusDeposited}
	if err := tx.EscrowPut(rec); err != nil {
		t.Fatalf("escrow put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	rec.Amount.SetInt64(1)

	stored, ok, err := l.EscrowGet(key)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if stored.Amount.Int64() != 100 {
		t.Fatalf("stored amount mutated through caller reference")
	}
	stored.Amount.SetInt64(2)
	again, _, _ := l.EscrowGet(key)
	if again.Amount.Int64() != 100 {
		t.Fatalf("stored amount mutated through read copy")
	}
}

func TestTxFinishedGuards(t *testing.T) {
	l := New()
	tx, _ := l.Begin()
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("second commit accepted")
	}
	// Rollback after commit must not unlock twice.
	tx.Rollback()

	tx, _ = l.Begin()
	tx.Rollback()
	tx.Rollback()
}
