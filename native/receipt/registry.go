// Package receipt implements the collectible receipt registry: sequential
// token issuance bound to a creator royalty, minted only as part of a
// settlement release.
package receipt

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"escrowd/native/fees"
	"escrowd/native/settlement"
)

// ErrUnknownToken is returned for royalty queries against unminted token ids.
var ErrUnknownToken = errors.New("receipt: unknown token")

// Token is an issued receipt. Immutable after mint.
type Token struct {
	ID         uint64
	Owner      settlement.AccountID
	Creator    settlement.AccountID
	URI        string
	RoyaltyBps uint32
	MintedAt   int64
}

// Clone returns a copy callers can hold without aliasing registry state.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

// TokenReader exposes committed token state. The authoritative ledger
// implements it.
type TokenReader interface {
	Token(id uint64) (*Token, bool, error)
}

// Registry answers royalty queries over committed tokens and hands out the
// single mint capability used by the settlement engine.
type Registry struct {
	tokens TokenReader
}

// NewRegistry builds a registry over the supplied token store.
func NewRegistry(tokens TokenReader) *Registry {
	return &Registry{tokens: tokens}
}

// Minter returns the mint capability. It is handed to the settlement engine
// at wiring time; no other component should hold it, which keeps the mint
// path unreachable outside a release transaction.
func (r *Registry) Minter() *Minter { return &Minter{registry: r} }

// RoyaltyInfo computes the royalty owed on a resale of the token:
// amount = saleAmount * royaltyBps / 10000, paid to the creator.
func (r *Registry) RoyaltyInfo(tokenID uint64, saleAmount *big.Int) (settlement.AccountID, *big.Int, error) {
	token, ok, err := r.tokens.Token(tokenID)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, fmt.Errorf("%w: %d", ErrUnknownToken, tokenID)
	}
	return token.Creator, fees.Royalty(saleAmount, token.RoyaltyBps), nil
}

// Token returns a copy of the committed token metadata.
func (r *Registry) Token(tokenID uint64) (*Token, error) {
	token, ok, err := r.tokens.Token(tokenID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownToken, tokenID)
	}
	return token.Clone(), nil
}

// Minter is the capability that issues receipts inside an open settlement
// transaction. Any failure propagates so the enclosing release aborts.
type Minter struct {
	registry *Registry
}

// MintAndTransfer validates the receipt definition and stages the mint in the
// supplied transaction: the next sequential token id is assigned, the creator
// and royalty rate are recorded, and ownership transfers to the owner. The
// token only exists once the enclosing transaction commits.
func (m *Minter) MintAndTransfer(tx settlement.Tx, key settlement.OrderKey, creator, owner settlement.AccountID, uri string, royaltyBps uint32) (uint64, error) {
	if tx == nil {
		return 0, errors.New("receipt: nil transaction")
	}
	if err := fees.ValidateRoyaltyBps(royaltyBps); err != nil {
		return 0, err
	}
	if strings.TrimSpace(uri) == "" {
		return 0, fmt.Errorf("receipt: uri required for order %s", key.Hex())
	}
	if strings.TrimSpace(string(creator)) == "" || strings.TrimSpace(string(owner)) == "" {
		return 0, errors.New("receipt: creator and owner required")
	}
	return tx.MintReceipt(creator, owner, strings.TrimSpace(uri), royaltyBps)
}
