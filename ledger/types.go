/*
Package ledger implements the token ledger: account balances and transfer
history for the fungible token.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identity: an opaque principal string identifying an account
  - Amount: an arbitrary-precision token quantity (always a whole number)
  - Transaction: an immutable ledger entry recording a mint or a transfer

DESIGN PRINCIPLES:
  1. Immutability: transactions are never modified or deleted
  2. Precision: decimal.Decimal avoids both overflow and floating-point error
  3. Derivation: balances are always computed by replaying transactions;
     there is no separate balance field that can drift out of sync

SEE ALSO:
  - ledger.go: TokenLedger interface and default implementation
  - store.go: persistence interface beneath the ledger
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTITY - Account principal
// =============================================================================

// Identity identifies an account. The ledger treats it as opaque; the only
// structural requirement is that it is non-empty.
type Identity string

// Valid reports whether the identity is well-formed enough to receive tokens.
func (i Identity) Valid() bool {
	return strings.TrimSpace(string(i)) != ""
}

// =============================================================================
// AMOUNT - Whole-number token quantity
// =============================================================================

// Amount is a token quantity. Token amounts are non-negative integers of
// arbitrary precision; decimal.Decimal carries them exactly.
type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value int64) Amount {
	return Amount{Value: decimal.NewFromInt(value)}
}

func NewAmountFromUint(value uint64) Amount {
	return Amount{Value: decimal.NewFromUint64(value)}
}

// ParseAmount parses a decimal string into an Amount.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: d}, nil
}

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) MulUint64(n uint64) Amount    { return Amount{Value: a.Value.Mul(decimal.NewFromUint64(n))} }
func (a Amount) Cmp(b Amount) int             { return a.Value.Cmp(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsWhole() bool                { return a.Value.IsInteger() }
func (a Amount) String() string               { return a.Value.String() }

// =============================================================================
// TRANSACTION - Immutable ledger record
// =============================================================================

type TxType string

const (
	// TxMine records newly created supply credited to an account.
	TxMine TxType = "mine"
	// TxSend records value moving from one account to another.
	TxSend TxType = "send"
)

// Transaction is an immutable record of one balance change. Produced only by
// Transfer and Mint; never mutated or deleted.
type Transaction struct {
	ID        string
	Type      TxType
	From      Identity // empty for mined supply
	To        Identity
	Amount    Amount
	Seq       uint64 // position in the ledger's total order, assigned by the store
	CreatedAt time.Time
}
