/*
store.go - Persistence interface for the transaction log

PURPOSE:
  Defines the interface between the ledger and its storage. The contract is
  append-only: there is no Update and no Delete, ever. Sequence numbers are
  assigned by the store at append time so that every implementation yields
  one total order per ledger.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and development
  - store/sqlite: durable SQLite-backed store

SEE ALSO:
  - ledger.go: DefaultLedger, the only writer
*/
package ledger

import "context"

// Store persists transactions. Append-only: no Update, no Delete.
type Store interface {
	// Append persists a transaction and returns it with Seq assigned.
	// This is the ONLY write operation.
	Append(ctx context.Context, tx Transaction) (Transaction, error)

	// LoadByAccount returns every transaction in which the account appears as
	// sender or receiver, ordered by Seq.
	LoadByAccount(ctx context.Context, who Identity) ([]Transaction, error)

	// LoadAll returns every transaction in the ledger, ordered by Seq.
	LoadAll(ctx context.Context) ([]Transaction, error)
}
