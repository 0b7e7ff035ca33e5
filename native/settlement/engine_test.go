package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"escrowd/audit"
	"escrowd/ledger"
	"escrowd/native/receipt"
	"escrowd/native/settlement"
)

const (
	buyer        = settlement.AccountID("acct.buyer")
	seller       = settlement.AccountID("acct.seller")
	feeRecipient = settlement.AccountID("platform.fees")
	adminAccount = settlement.AccountID("ops.admin")
	vault        = settlement.AccountID("escrow.vault")
	stranger     = settlement.AccountID("acct.bystander")
)

type fixture struct {
	engine *settlement.Engine
	ledger *ledger.Ledger
	trail  *audit.MemoryTrail
	now    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led := ledger.New()
	led.Fund(buyer, big.NewInt(10_000))

	f := &fixture{ledger: led, trail: audit.NewMemoryTrail(), now: 1_000_000}

	engine := settlement.NewEngine()
	engine.SetState(led)
	engine.SetMinter(receipt.NewRegistry(led).Minter())
	engine.SetTrail(f.trail)
	engine.SetAdminRefundDelay(24 * time.Hour)
	engine.SetAdminChecker(func(a settlement.AccountID) bool { return a == adminAccount })
	engine.SetFeeConfig(settlement.FeeConfig{PlatformFeeBps: 500, FeeRecipient: feeRecipient})
	engine.SetNowFunc(func() int64 { return f.now })
	f.engine = engine
	return f
}

func (f *fixture) advance(d time.Duration) { f.now += int64(d / time.Second) }

func (f *fixture) deposit(t *testing.T, orderID string, amount int64, eligible bool) settlement.OrderKey {
	t.Helper()
	key := settlement.DeriveOrderKey(orderID)
	params := settlement.DepositParams{
		Key:       key,
		Buyer:     buyer,
		Seller:    seller,
		Amount:    big.NewInt(amount),
		TimeoutAt: f.now + 3600,
	}
	if eligible {
		params.ReceiptEligible = true
		params.ReceiptURI = "ipfs://receipt/" + orderID
		params.RoyaltyBps = 250
	}
	if _, err := f.engine.Deposit(context.Background(), params); err != nil {
		t.Fatalf("deposit %s: %v", orderID, err)
	}
	return key
}

func (f *fixture) balance(account settlement.AccountID) int64 {
	return f.ledger.BalanceOf(account).Int64()
}

func TestDepositCreatesRecordAndMovesFunds(t *testing.T) {
	f := newFixture(t)
	key := f.deposit(t, "order-1", 100, true)

	rec, err := f.engine.GetEscrow(key)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if rec.Status != settlement.StatusDeposited {
		t.Fatalf("status = %s, want %s", rec.Status, settlement.StatusDeposited)
	}
	if rec.Buyer != buyer || rec.Seller != seller {
		t.Fatalf("parties = %s/%s", rec.Buyer, rec.Seller)
	}
	if rec.Amount.Int64() != 100 {
		t.Fatalf("amount = %s, want 100", rec.Amount)
	}
	if rec.CreatedAt != f.now {
		t.Fatalf("createdAt = %d, want %d", rec.CreatedAt, f.now)
	}
	if !rec.ReceiptEligible || rec.ReceiptURI == "" || rec.RoyaltyBps != 250 {
		t.Fatalf("receipt fields not retained: %+v", rec)
	}
	if got := f.balance(buyer); got != 9_900 {
		t.Fatalf("buyer balance = %d, want 9900", got)
	}
	if got := f.balance(vault); got != 100 {
		t.Fatalf("vault balance = %d, want 100", got)
	}

	events, err := f.ledger.Events(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Type != settlement.EventTypeDeposited {
		t.Fatalf("events = %+v", events)
	}
	entries, err := f.trail.ByOrder(context.Background(), key.Hex())
	if err != nil || len(entries) != 1 || entries[0].Action != audit.ActionDeposit {
		t.Fatalf("audit entries = %+v, err = %v", entries, err)
	}
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t)
	base := settlement.DepositParams{
		Key:       settlement.DeriveOrderKey("order-v"),
		Buyer:     buyer,
		Seller:    seller,
		Amount:    big.NewInt(100),
		TimeoutAt: f.now + 3600,
	}

	cases := []struct {
		name    string
		mutate  func(*settlement.DepositParams)
		wantErr error
	}{
		{"nil amount", func(p *settlement.DepositParams) { p.Amount = nil }, settlement.ErrInvalidAmount},
		{"zero amount", func(p *settlement.DepositParams) { p.Amount = big.NewInt(0) }, settlement.ErrInvalidAmount},
		{"negative amount", func(p *settlement.DepositParams) { p.Amount = big.NewInt(-5) }, settlement.ErrInvalidAmount},
		{"royalty above cap", func(p *settlement.DepositParams) {
			p.ReceiptEligible = true
			p.ReceiptURI = "ipfs://x"
			p.RoyaltyBps = 1001
		}, settlement.ErrInvalidRoyalty},
		{"eligible without uri", func(p *settlement.DepositParams) { p.ReceiptEligible = true }, settlement.ErrMissingReceiptURI},
		{"timeout in the past", func(p *settlement.DepositParams) { p.TimeoutAt = f.now - 1 }, settlement.ErrInvalidTimeout},
		{"timeout now", func(p *settlement.DepositParams) { p.TimeoutAt = f.now }, settlement.ErrInvalidTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			if _, err := f.engine.Deposit(context.Background(), p); !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestDepositDuplicateOrderRejected(t *testing.T) {
	f := newFixture(t)
	key := f.deposit(t, "order-dup", 100, false)

	_, err := f.engine.Deposit(context.Background(), settlement.DepositParams{
		Key:       key,
		Buyer:     buyer,
		Seller:    seller,
		Amount:    big.NewInt(50),
		TimeoutAt: f.now + 3600,
	})
	if !errors.Is(err, settlement.ErrDuplicateOrder) {
		t.Fatalf("err = %v, want ErrDuplicateOrder", err)
	}
	if got := f.balance(buyer); got != 9_900 {
		t.Fatalf("buyer balance changed on rejected duplicate: %d", got)
	}
}

func TestDepositInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Deposit(context.Background(), settlement.DepositParams{
		Key:       settlement.DeriveOrderKey("order-poor"),
		Buyer:     buyer,
		Seller:    seller,
		Amount:    big.NewInt(999_999),
		TimeoutAt: f.now + 3600,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if got := f.balance(buyer); got != 10_000 {
		t.Fatalf("buyer balance = %d, want untouched 10000", got)
	}
}

func TestReleaseSplitsFeeAndMints(t *testing.T) {
	f := newFixture(t)
	key := f.deposit(t, "order-2", 100, true)

	receiptOut, err := f.engine.Release(context.Background(), buyer, key)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if receiptOut.Status != settlement.StatusReleased {
		t.Fatalf("status = %s", receiptOut.Status)
	}
	if receiptOut.Payout.Int64() != 95 || receiptOut.Fee.Int64() != 5 {
		t.Fatalf("split = %s/%s, want 95/5", receiptOut.Payout, receiptOut.Fee)
	}
	if receiptOut.TokenID == nil || *receiptOut.TokenID != 0 {
		t.Fatalf("tokenID = %v, want 0", receiptOut.TokenID)
	}
	if got := f.balance(seller); got != 95 {
		t.Fatalf("seller balance = %d, want 95", got)
	}
	if got := f.balance(feeRecipient); got != 5 {
		t.Fatalf("fee recipient balance = %d, want 5", got)
	}
	if got := f.balance(vault); got != 0 {
		t.Fatalf("vault balance = %d, want 0", got)
	}

	token, ok, err := f.ledger.Token(0)
	if err != nil || !ok {
		t.Fatalf("token 0 missing: ok=%v err=%v", ok, err)
	}
	if token.Owner != buyer || token.Creator != seller {
		t.Fatalf("token parties = %s/%s", token.Owner, token.Creator)
	}
}

func TestReleaseAuthorization(t *testing.T) {
	f := newFixture(t)
	key := f.deposit(t, "order-3", 100, false)

	if _, err := f.engine.Release(context.Background(), seller, key); !errors.Is(err, settlement.ErrNotAuthorized) {
		t.Fatalf("seller before timeout: err = %v, want ErrNotAuthorized", err)
	}
	if _, err := f.engine.Release(context.Background(), stranger, key); !errors.Is(err, settlement.ErrNotAuthorized) {
		t.Fatalf("stranger before timeout: err = %v, want ErrNotAuthorized", err)
	}

	f.advance(2 * time.Hour)
	if _, err := f.engine.Release(context.Background(), stranger, key); err != nil {
		t.Fatalf("stranger at timeout: %v", err)
	}
	if got := f.balance(seller); got != 95 {
		t.Fatalf("seller balance = %d, want 95", got)
	}
}

func TestReleaseFromDisputedRejected(t *testing.T) {
	f := newFixture(t)
	key := f.deposit(t, "order-4", 100, false)
	if _, err := f.engine.Dispute(context.Background(), buyer, key); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := f.engine.Release(context.Background(), buyer, key); !errors.Is(err, settlement.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	f.advance(48 * time.Hour)
	if _, err := f.engine.Release(context.Background(), stranger, key); !errors.Is(err, settlement.ErrInvalidState) {
		t.Fatalf("timeout release of disputed order: err = %v, want ErrInvalidState", err)
	}
}

func TestDisputeOnlyBuyer(t *testing.T) {
	f := newFixture(t)
	key := f.deposit(t, "order-5", 100, false)

	if _, err := f.engine.Dispute(context.Background(), seller, key); !errors.Is(err, settlement.ErrNotAuthorized) {
		t.Fatalf("seller dispute: err = %v, want ErrNotAuthorized", err)
	}
	if _, err := f.engine.Dispute(context.Background(), buyer, key); err != nil {
		t.Fatalf("buyer dispute: %v", err)
	}
	rec, err := f.engine.GetEscrow(key)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if rec.Status != settlement.StatusDisputed || rec.DisputedAt != f.now {
		t.Fatalf("record = %+v", rec)
	}
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	f := newFixture(t)
	key := f.deposit(t, "order-6", 100, false)
	if _, err := f.engine.Release(context.Background(), buyer, key); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := f.engine.Release(context.Background(), buyer, key); !errors.Is(err, settlement.ErrInvalidState) {
		t.Fatalf("double release: err = %v", err)
	}
	if _, err := f.engine.Dispute(context.Background(), buyer, key); !errors.Is(err, settlement.ErrInvalidState) {
		t.Fatalf("dispute after release: err = %v", err)
	}
	if _, err := f.engine.AdminRefund(context.Background(), adminAccount, key); !errors.Is(err, settlement.ErrInvalidState) {
		t.Fatalf("refund after release: err = %v", err)
	}
}

func TestAdminRefundGatingAndDelay(t *testing.T) {
	f := newFixture(t)
	key := f.deposit(t, "order-7", 100, false)
	if _, err := f.engine.Dispute(context.Background(), buyer, key); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	disputedAt := f.now

	if _, err := f.engine.AdminRefund(context.Background(), buyer, key); !errors.Is(err, settlement.ErrNotAuthorized) {
		t.Fatalf("non-admin refund: err = %v, want ErrNotAuthorized", err)
	}

	f.advance(23 * time.Hour)
	_, err := f.engine.AdminRefund(context.Background(), adminAccount, key)
	var locked *settlement.RefundLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("early refund: err = %v, want RefundLockedError", err)
	}
	if !errors.Is(err, settlement.ErrRefundLocked) {
		t.Fatalf("RefundLockedError should match ErrRefundLocked sentinel")
	}
	wantUnlock := time.Unix(disputedAt+int64((24*time.Hour).Seconds()), 0)
	if !locked.UnlockAt.Equal(wantUnlock) {
		t.Fatalf("unlockAt = %v, want %v", locked.UnlockAt, wantUnlock)
	}

	f.advance(time.Hour)
	receiptOut, err := f.engine.AdminRefund(context.Background(), adminAccount, key)
	if err != nil {
		t.Fatalf("refund at unlock: %v", err)
	}
	if receiptOut.Status != settlement.StatusRefunded {
		t.Fatalf("status = %s", receiptOut.Status)
	}
	if got := f.balance(buyer); got != 10_000 {
		t.Fatalf("buyer balance = %d, want full 10000 back", got)
	}
	if got := f.balance(vault); got != 0 {
		t.Fatalf("vault balance = %d, want 0", got)
	}
}

type failingMinter struct{}

func (failingMinter) MintAndTransfer(settlement.Tx, settlement.OrderKey, settlement.AccountID, settlement.AccountID, string, uint32) (uint64, error) {
	return 0, errors.New("registry offline")
}

func TestReleaseMintFailureRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	key := f.deposit(t, "order-8", 100, true)

	f.engine.SetMinter(failingMinter{})
	_, err := f.engine.Release(context.Background(), buyer, key)
	if !errors.Is(err, settlement.ErrMintFailed) {
		t.Fatalf("err = %v, want ErrMintFailed", err)
	}

	rec, getErr := f.engine.GetEscrow(key)
	if getErr != nil {
		t.Fatalf("get escrow: %v", getErr)
	}
	if rec.Status != settlement.StatusDeposited {
		t.Fatalf("status after failed mint = %s, want DEPOSITED", rec.Status)
	}
	if rec.TokenID != nil {
		t.Fatalf("tokenID set despite rollback")
	}
	if got := f.balance(seller); got != 0 {
		t.Fatalf("seller balance = %d after rollback, want 0", got)
	}
	if got := f.balance(vault); got != 100 {
		t.Fatalf("vault balance = %d after rollback, want 100", got)
	}

	// The same release succeeds once the registry recovers, and token IDs
	// stay gapless across the failed attempt.
	f.engine.SetMinter(receipt.NewRegistry(f.ledger).Minter())
	receiptOut, err := f.engine.Release(context.Background(), buyer, key)
	if err != nil {
		t.Fatalf("retry release: %v", err)
	}
	if receiptOut.TokenID == nil || *receiptOut.TokenID != 0 {
		t.Fatalf("tokenID = %v, want 0", receiptOut.TokenID)
	}
}

func TestFeeUpdatesAreAdminGated(t *testing.T) {
	f := newFixture(t)

	if err := f.engine.UpdateFee(context.Background(), buyer, 100); !errors.Is(err, settlement.ErrNotAuthorized) {
		t.Fatalf("non-admin fee update: err = %v", err)
	}
	if err := f.engine.UpdateFee(context.Background(), adminAccount, 10_001); err == nil {
		t.Fatalf("fee above 10000 accepted")
	}
	if err := f.engine.UpdateFee(context.Background(), adminAccount, 1_000); err != nil {
		t.Fatalf("admin fee update: %v", err)
	}
	if got := f.engine.FeePolicy().PlatformFeeBps; got != 1_000 {
		t.Fatalf("fee = %d, want 1000", got)
	}

	// A release after the update uses the new rate; older deposits are not
	// grandfathered.
	key := f.deposit(t, "order-9", 100, false)
	receiptOut, err := f.engine.Release(context.Background(), buyer, key)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if receiptOut.Payout.Int64() != 90 || receiptOut.Fee.Int64() != 10 {
		t.Fatalf("split = %s/%s, want 90/10", receiptOut.Payout, receiptOut.Fee)
	}
}

func TestGetEscrowReturnsClone(t *testing.T) {
	f := newFixture(t)
	key := f.deposit(t, "order-10", 100, false)

	rec, err := f.engine.GetEscrow(key)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	rec.Amount.SetInt64(1)
	rec.Status = settlement.StatusRefunded

	again, err := f.engine.GetEscrow(key)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if again.Amount.Int64() != 100 || again.Status != settlement.StatusDeposited {
		t.Fatalf("stored record mutated through a read: %+v", again)
	}
}

func TestGetEscrowUnknownOrder(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.GetEscrow(settlement.DeriveOrderKey("never-deposited")); !errors.Is(err, settlement.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentTransitionsSerializePerKey(t *testing.T) {
	f := newFixture(t)
	key := f.deposit(t, "order-race", 1_000, false)

	start := make(chan struct{})
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		_, err := f.engine.Release(context.Background(), buyer, key)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		<-start
		_, err := f.engine.Dispute(context.Background(), buyer, key)
		errs <- err
	}()
	close(start)
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, settlement.ErrInvalidState):
			lost++
		default:
			t.Fatalf("unexpected racing error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("winners = %d, losers = %d, want exactly one of each", won, lost)
	}

	rec, err := f.engine.GetEscrow(key)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	switch rec.Status {
	case settlement.StatusReleased:
		if got := f.balance(seller); got != 950 {
			t.Fatalf("seller balance = %d, want 950", got)
		}
	case settlement.StatusDisputed:
		if got := f.balance(vault); got != 1_000 {
			t.Fatalf("vault balance = %d, want 1000", got)
		}
	default:
		t.Fatalf("status = %s after racing transitions", rec.Status)
	}
}

func TestConcurrentReleasesKeepTokenIDsGapless(t *testing.T) {
	f := newFixture(t)
	const orders = 4
	keys := make([]settlement.OrderKey, orders)
	for i := range keys {
		keys[i] = f.deposit(t, fmt.Sprintf("order-race-%d", i), 100, true)
	}

	start := make(chan struct{})
	outcomes := make(chan *settlement.TransitionReceipt, orders)
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key settlement.OrderKey) {
			defer wg.Done()
			<-start
			outcome, err := f.engine.Release(context.Background(), buyer, key)
			if err != nil {
				t.Errorf("release %s: %v", key.Hex(), err)
				return
			}
			outcomes <- outcome
		}(key)
	}
	close(start)
	wg.Wait()
	close(outcomes)

	seen := make(map[uint64]bool)
	for outcome := range outcomes {
		if outcome.TokenID == nil {
			t.Fatal("release committed without a token id")
		}
		seen[*outcome.TokenID] = true
	}
	if len(seen) != orders {
		t.Fatalf("distinct token ids = %d, want %d", len(seen), orders)
	}
	for id := uint64(0); id < orders; id++ {
		if !seen[id] {
			t.Fatalf("token ids have a gap, missing %d", id)
		}
	}
}
