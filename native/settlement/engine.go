package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"escrowd/audit"
	"escrowd/native/fees"
)

var (
	errNilState = errors.New("settlement engine: state not configured")
	errNilFee   = errors.New("settlement engine: fee recipient not configured")
)

// DefaultVaultAccount holds escrowed funds between deposit and settlement.
const DefaultVaultAccount AccountID = "escrow.vault"

// State is the authoritative ledger surface the engine writes through. Begin
// opens a transaction; nothing staged inside it is visible until Commit.
type State interface {
	Begin() (Tx, error)
	EscrowGet(key OrderKey) (*EscrowRecord, bool, error)
}

// Tx is a single all-or-nothing unit of work against the ledger. Every
// transition executes inside exactly one Tx so partial settlement is
// structurally impossible.
type Tx interface {
	EscrowGet(key OrderKey) (*EscrowRecord, bool, error)
	EscrowPut(rec *EscrowRecord) error
	Transfer(from, to AccountID, amount *big.Int) error
	MintReceipt(creator, owner AccountID, uri string, royaltyBps uint32) (uint64, error)
	Append(evt Event)
	Commit() error
	Rollback()
}

// ReceiptMinter issues a collectible receipt inside an open settlement
// transaction. A failure aborts the enclosing release entirely.
type ReceiptMinter interface {
	MintAndTransfer(tx Tx, key OrderKey, creator, owner AccountID, uri string, royaltyBps uint32) (uint64, error)
}

// MetricsSink receives transition outcomes for operational metrics.
type MetricsSink interface {
	ObserveTransition(op, result string)
}

// Engine owns the escrow settlement state machine: it validates transitions,
// serialises them per order key and applies their effects atomically against
// the authoritative ledger.
type Engine struct {
	state   State
	minter  ReceiptMinter
	trail   audit.Trail
	metrics MetricsSink
	logger  *slog.Logger

	vault       AccountID
	refundDelay time.Duration
	isAdmin     func(AccountID) bool
	nowFn       func() int64

	feeMu sync.RWMutex
	fee   FeeConfig

	lockMu sync.Mutex
	locks  map[OrderKey]*sync.Mutex
}

// NewEngine creates an engine with safe defaults: a deny-all admin check, a
// 24h admin refund delay and the default vault account. Callers configure the
// rest via the setters.
func NewEngine() *Engine {
	return &Engine{
		vault:       DefaultVaultAccount,
		refundDelay: 24 * time.Hour,
		isAdmin:     func(AccountID) bool { return false },
		nowFn:       func() int64 { return time.Now().Unix() },
		locks:       make(map[OrderKey]*sync.Mutex),
	}
}

// SetState configures the ledger backend used by the engine.
func (e *Engine) SetState(state State) { e.state = state }

// SetMinter configures the receipt registry capability used for eligible
// releases. Only the engine should hold this capability.
func (e *Engine) SetMinter(minter ReceiptMinter) { e.minter = minter }

// SetTrail configures the audit trail written after every committed transition.
func (e *Engine) SetTrail(trail audit.Trail) { e.trail = trail }

// SetMetrics configures the metrics sink. Passing nil disables metrics.
func (e *Engine) SetMetrics(sink MetricsSink) { e.metrics = sink }

// SetLogger overrides the logger used for non-fatal bookkeeping failures.
func (e *Engine) SetLogger(logger *slog.Logger) { e.logger = logger }

// SetVault overrides the account that holds escrowed funds.
func (e *Engine) SetVault(vault AccountID) {
	if strings.TrimSpace(string(vault)) != "" {
		e.vault = vault
	}
}

// SetAdminRefundDelay configures the mandatory wait between a dispute and an
// administrative refund.
func (e *Engine) SetAdminRefundDelay(delay time.Duration) {
	if delay > 0 {
		e.refundDelay = delay
	}
}

// SetAdminChecker installs the externally supplied administrator identity
// check gating AdminRefund and the fee operations.
func (e *Engine) SetAdminChecker(check func(AccountID) bool) {
	if check == nil {
		check = func(AccountID) bool { return false }
	}
	e.isAdmin = check
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	e.nowFn = now
}

// SetFeeConfig installs the initial fee policy without an authorization check.
// Runtime updates go through UpdateFee and UpdateFeeRecipient.
func (e *Engine) SetFeeConfig(cfg FeeConfig) {
	e.feeMu.Lock()
	e.fee = cfg
	e.feeMu.Unlock()
}

// FeePolicy returns a consistent snapshot of the current fee configuration.
func (e *Engine) FeePolicy() FeeConfig {
	e.feeMu.RLock()
	defer e.feeMu.RUnlock()
	return e.fee
}

func (e *Engine) now() int64 { return e.nowFn() }

func (e *Engine) lockFor(key OrderKey) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[key] = mu
	}
	return mu
}

// evictLock drops the per-key mutex once a record reaches a terminal state,
// keeping the lock map bounded by the number of live orders. A waiter already
// parked on the evicted mutex proceeds harmlessly: every transition re-reads
// the record inside its transaction and fails the status check on a terminal
// order.
func (e *Engine) evictLock(key OrderKey) {
	e.lockMu.Lock()
	delete(e.locks, key)
	e.lockMu.Unlock()
}

func (e *Engine) observe(op string, err error) {
	if e.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	e.metrics.ObserveTransition(op, result)
}

func (e *Engine) auditLog(ctx context.Context, action, orderKey, detail string) {
	if e.trail == nil {
		return
	}
	entry := audit.NewEntry(action, orderKey, detail, time.Unix(e.now(), 0).UTC())
	if err := e.trail.Append(ctx, entry); err != nil {
		logger := e.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("audit append failed", "action", action, "orderKey", orderKey, "error", err)
	}
}

// DepositParams carries the validated inputs of a deposit transition. The
// caller is the buyer by construction: funds move out of the buyer account.
type DepositParams struct {
	Key             OrderKey
	Buyer           AccountID
	Seller          AccountID
	Amount          *big.Int
	TimeoutAt       int64
	ReceiptEligible bool
	ReceiptURI      string
	RoyaltyBps      uint32
}

// Deposit validates and commits a new escrow record in DEPOSITED, moving the
// amount from the buyer into escrow custody as part of the same transaction.
func (e *Engine) Deposit(ctx context.Context, p DepositParams) (receipt *TransitionReceipt, err error) {
	defer func() { e.observe("deposit", err) }()
	if e.state == nil {
		return nil, errNilState
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if fees.ValidateRoyaltyBps(p.RoyaltyBps) != nil {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRoyalty, p.RoyaltyBps)
	}
	if p.ReceiptEligible && strings.TrimSpace(p.ReceiptURI) == "" {
		return nil, ErrMissingReceiptURI
	}
	if strings.TrimSpace(string(p.Buyer)) == "" || strings.TrimSpace(string(p.Seller)) == "" {
		return nil, fmt.Errorf("settlement: buyer and seller required")
	}
	now := e.now()
	if p.TimeoutAt <= now {
		return nil, ErrInvalidTimeout
	}

	mu := e.lockFor(p.Key)
	mu.Lock()
	defer mu.Unlock()

	if _, exists, getErr := e.state.EscrowGet(p.Key); getErr != nil {
		return nil, getErr
	} else if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, p.Key.Hex())
	}

	tx, err := e.state.Begin()
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	rec := &EscrowRecord{
		Key:             p.Key,
		Buyer:           p.Buyer,
		Seller:          p.Seller,
		Amount:          new(big.Int).Set(p.Amount),
		TimeoutAt:       p.TimeoutAt,
		CreatedAt:       now,
		Status:          StatusDeposited,
		ReceiptEligible: p.ReceiptEligible,
	}
	if p.ReceiptEligible {
		rec.ReceiptURI = strings.TrimSpace(p.ReceiptURI)
		rec.RoyaltyBps = p.RoyaltyBps
	}
	if err := tx.Transfer(p.Buyer, e.vault, rec.Amount); err != nil {
		return nil, err
	}
	if err := tx.EscrowPut(rec); err != nil {
		return nil, err
	}
	tx.Append(NewDepositedEvent(rec))
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true

	e.auditLog(ctx, audit.ActionDeposit, p.Key.Hex(), fmt.Sprintf("amount=%s seller=%s", rec.Amount, rec.Seller))
	return &TransitionReceipt{Key: p.Key, Status: StatusDeposited}, nil
}

// Release settles the escrow in favour of the seller. Before the timeout only
// the buyer may call; at or after the timeout any caller may. The payout, the
// platform fee and an optional receipt mint commit as a single unit of work:
// if the mint fails the whole release rolls back and the order stays
// DEPOSITED.
func (e *Engine) Release(ctx context.Context, caller AccountID, key OrderKey) (receipt *TransitionReceipt, err error) {
	defer func() { e.observe("release", err) }()
	if e.state == nil {
		return nil, errNilState
	}

	mu := e.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.state.Begin()
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	rec, ok, err := tx.EscrowGet(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status != StatusDeposited {
		return nil, fmt.Errorf("%w: cannot release from %s", ErrInvalidState, rec.Status)
	}
	now := e.now()
	if caller != rec.Buyer && now < rec.TimeoutAt {
		return nil, fmt.Errorf("%w: only the buyer may release before the timeout", ErrNotAuthorized)
	}

	feeCfg := e.FeePolicy()
	if feeCfg.PlatformFeeBps > 0 && strings.TrimSpace(string(feeCfg.FeeRecipient)) == "" {
		return nil, errNilFee
	}
	payout, fee := fees.Split(rec.Amount, feeCfg.PlatformFeeBps)
	if payout.Sign() > 0 {
		if err := tx.Transfer(e.vault, rec.Seller, payout); err != nil {
			return nil, err
		}
	}
	if fee.Sign() > 0 {
		if err := tx.Transfer(e.vault, feeCfg.FeeRecipient, fee); err != nil {
			return nil, err
		}
	}
	if rec.ReceiptEligible {
		if e.minter == nil {
			return nil, fmt.Errorf("%w: no receipt registry configured", ErrMintFailed)
		}
		tokenID, mintErr := e.minter.MintAndTransfer(tx, key, rec.Seller, rec.Buyer, rec.ReceiptURI, rec.RoyaltyBps)
		if mintErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrMintFailed, mintErr)
		}
		rec.TokenID = &tokenID
	}
	rec.Status = StatusReleased
	if err := tx.EscrowPut(rec); err != nil {
		return nil, err
	}
	tx.Append(NewReleasedEvent(rec))
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	e.evictLock(key)

	e.auditLog(ctx, audit.ActionRelease, key.Hex(), fmt.Sprintf("payout=%s fee=%s", payout, fee))
	return &TransitionReceipt{Key: key, Status: StatusReleased, TokenID: rec.TokenID, Fee: fee, Payout: payout}, nil
}

// Dispute flags a deposited escrow so the timeout can no longer auto-release
// it. Only the buyer may dispute, at any time while the order is DEPOSITED.
func (e *Engine) Dispute(ctx context.Context, caller AccountID, key OrderKey) (receipt *TransitionReceipt, err error) {
	defer func() { e.observe("dispute", err) }()
	if e.state == nil {
		return nil, errNilState
	}

	mu := e.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.state.Begin()
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	rec, ok, err := tx.EscrowGet(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status != StatusDeposited {
		return nil, fmt.Errorf("%w: cannot dispute from %s", ErrInvalidState, rec.Status)
	}
	if caller != rec.Buyer {
		return nil, fmt.Errorf("%w: only the buyer may dispute", ErrNotAuthorized)
	}
	rec.Status = StatusDisputed
	rec.DisputedAt = e.now()
	if err := tx.EscrowPut(rec); err != nil {
		return nil, err
	}
	tx.Append(NewDisputedEvent(rec))
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true

	e.auditLog(ctx, audit.ActionDispute, key.Hex(), "buyer dispute raised")
	return &TransitionReceipt{Key: key, Status: StatusDisputed}, nil
}

// AdminRefund returns the full escrowed amount to the buyer of a disputed
// order. It is gated on the administrator identity check and on the refund
// delay having elapsed since the dispute was raised; no fee is deducted.
func (e *Engine) AdminRefund(ctx context.Context, caller AccountID, key OrderKey) (receipt *TransitionReceipt, err error) {
	defer func() { e.observe("admin_refund", err) }()
	if e.state == nil {
		return nil, errNilState
	}
	if !e.isAdmin(caller) {
		return nil, fmt.Errorf("%w: admin refund requires the administrator", ErrNotAuthorized)
	}

	mu := e.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.state.Begin()
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	rec, ok, err := tx.EscrowGet(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: cannot refund from %s", ErrInvalidState, rec.Status)
	}
	unlockAt := rec.DisputedAt + int64(e.refundDelay/time.Second)
	if e.now() < unlockAt {
		return nil, &RefundLockedError{UnlockAt: time.Unix(unlockAt, 0)}
	}
	if err := tx.Transfer(e.vault, rec.Buyer, rec.Amount); err != nil {
		return nil, err
	}
	rec.Status = StatusRefunded
	if err := tx.EscrowPut(rec); err != nil {
		return nil, err
	}
	tx.Append(NewRefundedEvent(rec))
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	e.evictLock(key)

	e.auditLog(ctx, audit.ActionAdminRefund, key.Hex(), fmt.Sprintf("refunded=%s buyer=%s", rec.Amount, rec.Buyer))
	return &TransitionReceipt{Key: key, Status: StatusRefunded}, nil
}

// UpdateFee changes the platform fee rate for subsequent releases. Existing
// records are untouched.
func (e *Engine) UpdateFee(ctx context.Context, caller AccountID, bps uint32) error {
	if !e.isAdmin(caller) {
		return fmt.Errorf("%w: fee updates require the administrator", ErrNotAuthorized)
	}
	if err := fees.ValidateFeeBps(bps); err != nil {
		return err
	}
	e.feeMu.Lock()
	e.fee.PlatformFeeBps = bps
	e.feeMu.Unlock()
	e.auditLog(ctx, audit.ActionFeeUpdate, "", fmt.Sprintf("platformFeeBps=%d", bps))
	return nil
}

// UpdateFeeRecipient changes the fee destination for subsequent releases.
func (e *Engine) UpdateFeeRecipient(ctx context.Context, caller AccountID, recipient AccountID) error {
	if !e.isAdmin(caller) {
		return fmt.Errorf("%w: fee updates require the administrator", ErrNotAuthorized)
	}
	if strings.TrimSpace(string(recipient)) == "" {
		return fmt.Errorf("settlement: fee recipient required")
	}
	e.feeMu.Lock()
	e.fee.FeeRecipient = recipient
	e.feeMu.Unlock()
	e.auditLog(ctx, audit.ActionFeeUpdate, "", fmt.Sprintf("feeRecipient=%s", recipient))
	return nil
}

// GetEscrow returns a copy of the escrow record for the key.
func (e *Engine) GetEscrow(key OrderKey) (*EscrowRecord, error) {
	if e.state == nil {
		return nil, errNilState
	}
	rec, ok, err := e.state.EscrowGet(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}
