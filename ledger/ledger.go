/*
ledger.go - Token ledger operations over the append-only transaction log

PURPOSE:
  The token ledger is the authoritative record of who holds how many tokens.
  Balances are derived by replaying transactions, never stored; the only way
  a balance changes is by appending a transaction.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: transactions are never updated or deleted
  2. ATOMIC TRANSFERS: the balance check and the append happen under one
     critical section, so a transfer can never overdraw an account
  3. PER-LEDGER SERIALIZATION: writes are serialized at this ledger only.
     Nothing here is atomic with the property registry - that gap is owned
     by the purchase coordinator.

SEE ALSO:
  - store.go: persistence contract
  - purchase/coordinator.go: the cross-ledger consumer
*/
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TOKEN LEDGER - Interface
// =============================================================================

// TokenLedger is the authoritative token service. Reads reflect the current
// ledger state and carry no caching guarantee across calls.
type TokenLedger interface {
	// Transfer moves amount from one account to another. Atomic at this
	// ledger: either the transaction is appended and both balances move, or
	// nothing happens.
	Transfer(ctx context.Context, from, to Identity, amount Amount) error

	// Mint credits newly created supply to an account.
	Mint(ctx context.Context, who Identity, amount Amount) error

	// BalanceOf returns the account's current authoritative balance.
	BalanceOf(ctx context.Context, who Identity) (Amount, error)

	// TotalSupply returns the sum of all minted tokens.
	TotalSupply(ctx context.Context) (Amount, error)

	// History returns the account's transactions in ledger order.
	History(ctx context.Context, who Identity) ([]Transaction, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation over a Store
// =============================================================================

type DefaultLedger struct {
	store Store

	// mu serializes writes so the balance check and the append are atomic.
	mu sync.Mutex
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{store: store}
}

func (l *DefaultLedger) Transfer(ctx context.Context, from, to Identity, amount Amount) error {
	if !amount.IsPositive() || !amount.IsWhole() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, string(to))
	}
	if !from.Valid() {
		return fmt.Errorf("%w: sender %q", ErrInvalidRecipient, string(from))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance, err := l.replayBalance(ctx, from)
	if err != nil {
		return fmt.Errorf("load sender balance: %w", err)
	}
	if balance.LessThan(amount) {
		return &InsufficientBalanceError{Account: from, Available: balance, Requested: amount}
	}

	_, err = l.store.Append(ctx, Transaction{
		ID:        uuid.NewString(),
		Type:      TxSend,
		From:      from,
		To:        to,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("append transfer: %w", err)
	}
	return nil
}

func (l *DefaultLedger) Mint(ctx context.Context, who Identity, amount Amount) error {
	if !amount.IsPositive() || !amount.IsWhole() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if !who.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, string(who))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.store.Append(ctx, Transaction{
		ID:        uuid.NewString(),
		Type:      TxMine,
		To:        who,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("append mint: %w", err)
	}
	return nil
}

// BalanceOf replays the account's transactions. Read-only; concurrent writes
// may land between two calls, which is fine - callers must not treat two
// reads as one consistent snapshot.
func (l *DefaultLedger) BalanceOf(ctx context.Context, who Identity) (Amount, error) {
	return l.replayBalance(ctx, who)
}

// replayBalance folds the account's transactions into a balance. Takes no
// lock itself; Transfer calls it under mu to make check-then-append atomic.
func (l *DefaultLedger) replayBalance(ctx context.Context, who Identity) (Amount, error) {
	txs, err := l.store.LoadByAccount(ctx, who)
	if err != nil {
		return Amount{}, err
	}

	balance := NewAmount(0)
	for _, tx := range txs {
		if tx.To == who {
			balance = balance.Add(tx.Amount)
		}
		if tx.From == who {
			balance = balance.Sub(tx.Amount)
		}
	}
	return balance, nil
}

func (l *DefaultLedger) TotalSupply(ctx context.Context) (Amount, error) {
	txs, err := l.store.LoadAll(ctx)
	if err != nil {
		return Amount{}, err
	}

	supply := NewAmount(0)
	for _, tx := range txs {
		if tx.Type == TxMine {
			supply = supply.Add(tx.Amount)
		}
	}
	return supply, nil
}

func (l *DefaultLedger) History(ctx context.Context, who Identity) ([]Transaction, error) {
	return l.store.LoadByAccount(ctx, who)
}
