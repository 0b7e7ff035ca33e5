// Package ledger provides the in-process reference implementation of the
// authoritative settlement ledger: account balances, escrow records, receipt
// tokens and an ordered event log. It is the single writer for every entry it
// holds; the settlement engine mutates it only through transactions, and the
// reconciliation engine only reads from it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"escrowd/native/receipt"
	"escrowd/native/settlement"
)

// ErrInsufficientFunds is returned when a transfer would overdraw an account.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// Ledger is the authoritative store. A single mutex serialises transactions
// and reads, which gives transitions their total order per entry.
type Ledger struct {
	mu          sync.Mutex
	balances    map[settlement.AccountID]*big.Int
	escrows     map[settlement.OrderKey]*settlement.EscrowRecord
	tokens      map[uint64]*receipt.Token
	nextTokenID uint64
	events      []settlement.Event
	nextSeq     uint64
	nowFn       func() int64
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		balances: make(map[settlement.AccountID]*big.Int),
		escrows:  make(map[settlement.OrderKey]*settlement.EscrowRecord),
		tokens:   make(map[uint64]*receipt.Token),
		nextSeq:  1,
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the timestamp source for committed events.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	l.nowFn = now
}

// Fund credits an account outside any settlement transaction. It models value
// entering the ledger from the external payment rails.
func (l *Ledger) Fund(account settlement.AccountID, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = new(big.Int).Add(l.balanceLocked(account), amount)
}

// BalanceOf returns the committed balance of the account.
func (l *Ledger) BalanceOf(account settlement.AccountID) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(account))
}

func (l *Ledger) balanceLocked(account settlement.AccountID) *big.Int {
	if bal, ok := l.balances[account]; ok {
		return bal
	}
	return big.NewInt(0)
}

// Begin opens a transaction. The ledger lock is held until Commit or Rollback,
// so exactly one transaction is in flight at a time and nothing staged is
// visible to readers before it commits.
func (l *Ledger) Begin() (settlement.Tx, error) {
	l.mu.Lock()
	return &ledgerTx{
		ledger:      l,
		balances:    make(map[settlement.AccountID]*big.Int),
		escrows:     make(map[settlement.OrderKey]*settlement.EscrowRecord),
		nextTokenID: l.nextTokenID,
	}, nil
}

// EscrowGet returns the committed record for the key.
func (l *Ledger) EscrowGet(key settlement.OrderKey) (*settlement.EscrowRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.escrows[key]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

// Record returns the current authoritative record for the key. This is the
// read the reconciliation engine trusts over event payloads.
func (l *Ledger) Record(_ context.Context, key settlement.OrderKey) (*settlement.EscrowRecord, bool, error) {
	return l.EscrowGet(key)
}

// Token returns committed receipt token metadata.
func (l *Ledger) Token(id uint64) (*receipt.Token, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	token, ok := l.tokens[id]
	if !ok {
		return nil, false, nil
	}
	return token.Clone(), true, nil
}

// Events returns up to limit committed events with sequence strictly greater
// than afterSeq, in sequence order.
func (l *Ledger) Events(_ context.Context, afterSeq uint64, limit int) ([]settlement.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []settlement.Event
	for _, evt := range l.events {
		if evt.Sequence <= afterSeq {
			continue
		}
		out = append(out, cloneEvent(evt))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// LatestSequence returns the sequence of the most recently committed event.
func (l *Ledger) LatestSequence(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return 0, nil
	}
	return l.events[len(l.events)-1].Sequence, nil
}

func cloneEvent(evt settlement.Event) settlement.Event {
	clone := evt
	clone.Attributes = make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		clone.Attributes[k] = v
	}
	return clone
}

// ledgerTx stages writes until Commit publishes them atomically.
type ledgerTx struct {
	ledger      *Ledger
	balances    map[settlement.AccountID]*big.Int
	escrows     map[settlement.OrderKey]*settlement.EscrowRecord
	tokens      []*receipt.Token
	nextTokenID uint64
	events      []settlement.Event
	done        bool
}

func (tx *ledgerTx) balance(account settlement.AccountID) *big.Int {
	if bal, ok := tx.balances[account]; ok {
		return bal
	}
	return tx.ledger.balanceLocked(account)
}

func (tx *ledgerTx) EscrowGet(key settlement.OrderKey) (*settlement.EscrowRecord, bool, error) {
	if rec, ok := tx.escrows[key]; ok {
		return rec.Clone(), true, nil
	}
	rec, ok := tx.ledger.escrows[key]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (tx *ledgerTx) EscrowPut(rec *settlement.EscrowRecord) error {
	if rec == nil {
		return errors.New("ledger: nil escrow record")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("ledger: invalid escrow status %d", rec.Status)
	}
	tx.escrows[rec.Key] = rec.Clone()
	return nil
}

func (tx *ledgerTx) Transfer(from, to settlement.AccountID, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.New("ledger: negative transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBal := tx.balance(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: account %s has %s, needs %s", ErrInsufficientFunds, from, fromBal, amount)
	}
	tx.balances[from] = new(big.Int).Sub(fromBal, amount)
	tx.balances[to] = new(big.Int).Add(tx.balance(to), amount)
	return nil
}

func (tx *ledgerTx) MintReceipt(creator, owner settlement.AccountID, uri string, royaltyBps uint32) (uint64, error) {
	id := tx.nextTokenID
	tx.nextTokenID++
	tx.tokens = append(tx.tokens, &receipt.Token{
		ID:         id,
		Owner:      owner,
		Creator:    creator,
		URI:        uri,
		RoyaltyBps: royaltyBps,
		MintedAt:   tx.ledger.nowFn(),
	})
	return id, nil
}

func (tx *ledgerTx) Append(evt settlement.Event) {
	tx.events = append(tx.events, evt)
}

// Commit publishes every staged write and assigns event sequences. The token
// counter only advances here, so aborted mints leave no gaps.
func (tx *ledgerTx) Commit() error {
	if tx.done {
		return errors.New("ledger: transaction already finished")
	}
	tx.done = true
	defer tx.ledger.mu.Unlock()

	for account, bal := range tx.balances {
		tx.ledger.balances[account] = bal
	}
	for key, rec := range tx.escrows {
		tx.ledger.escrows[key] = rec
	}
	for _, token := range tx.tokens {
		tx.ledger.tokens[token.ID] = token
	}
	tx.ledger.nextTokenID = tx.nextTokenID
	now := tx.ledger.nowFn()
	for _, evt := range tx.events {
		evt.Sequence = tx.ledger.nextSeq
		tx.ledger.nextSeq++
		if evt.Timestamp == 0 {
			evt.Timestamp = now
		}
		tx.ledger.events = append(tx.ledger.events, evt)
	}
	return nil
}

// Rollback discards every staged write, including receipt mints.
func (tx *ledgerTx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.ledger.mu.Unlock()
}
