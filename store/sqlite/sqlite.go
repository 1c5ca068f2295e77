/*
Package sqlite provides the SQLite-backed implementations of the storage
interfaces.

INTERFACES IMPLEMENTED:
  ledger.Store:      append-only token transaction log
  registry.Registry: property definitions and share ownership

APPEND-ONLY ENFORCEMENT:
  The transactions table is never UPDATEd or DELETEd. Sequence numbers come
  from the AUTOINCREMENT rowid, giving one total order per ledger.

PER-LEDGER ATOMICITY:
  Registry mutations run inside a database transaction, and the purchase
  path uses a conditional decrement:

    UPDATE properties SET available_shares = available_shares - ?
    WHERE id = ? AND available_shares >= ?

  so an oversell attempt fails atomically (decrement-check-fail) instead of
  corrupting the share count. Nothing here is atomic ACROSS the two table
  families; that boundary belongs to the purchase coordinator.

MIGRATIONS:
  Schema is applied with sql-migrate from an in-memory migration source, so
  the binary carries its own schema.

CONCURRENCY:
  WAL mode plus an RWMutex: writers take the write lock (SQLite allows one
  writer at a time), and multi-statement reads take the read lock so a commit
  cannot land between the property row and its ownership rows. A reader
  always observes sum(owners) + available == total.

SEE ALSO:
  - ledger/store/memory.go, registry/registry.go: in-memory counterparts
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"

	"github.com/brix/market-engine/ledger"
	"github.com/brix/market-engine/registry"
)

// Store implements ledger.Store and registry.Registry on one SQLite file.
type Store struct {
	db *sqlx.DB
	mu sync.RWMutex
}

var migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "1_ledger_and_registry",
			Up: []string{
				`CREATE TABLE transactions (
					seq INTEGER PRIMARY KEY AUTOINCREMENT,
					id TEXT NOT NULL UNIQUE,
					tx_type TEXT NOT NULL,
					from_account TEXT NOT NULL DEFAULT '',
					to_account TEXT NOT NULL,
					amount TEXT NOT NULL,
					created_at TEXT NOT NULL
				)`,
				`CREATE INDEX idx_transactions_from ON transactions(from_account)`,
				`CREATE INDEX idx_transactions_to ON transactions(to_account)`,
				`CREATE TABLE properties (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					thumbnail_url TEXT NOT NULL DEFAULT '',
					creator TEXT NOT NULL,
					total_shares INTEGER NOT NULL,
					price_per_share TEXT NOT NULL,
					available_shares INTEGER NOT NULL,
					created_at TEXT NOT NULL
				)`,
				`CREATE TABLE ownerships (
					property_id INTEGER NOT NULL REFERENCES properties(id),
					account TEXT NOT NULL,
					shares INTEGER NOT NULL,
					position INTEGER NOT NULL,
					PRIMARY KEY (property_id, account)
				)`,
				`CREATE INDEX idx_ownerships_property ON ownerships(property_id, position)`,
			},
			Down: []string{
				`DROP TABLE ownerships`,
				`DROP TABLE properties`,
				`DROP TABLE transactions`,
			},
		},
	},
}

// New opens (or creates) the database and applies migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every pooled connection to ":memory:" opens its own empty database;
	// pin the pool to one connection so all callers share the same one.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := migrate.Exec(db.DB, "sqlite3", migrations, migrate.Up); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// LEDGER.STORE - Append-only transaction log
// =============================================================================

type txRow struct {
	Seq       int64  `db:"seq"`
	ID        string `db:"id"`
	Type      string `db:"tx_type"`
	From      string `db:"from_account"`
	To        string `db:"to_account"`
	Amount    string `db:"amount"`
	CreatedAt string `db:"created_at"`
}

func (r txRow) toTransaction() (ledger.Transaction, error) {
	amount, err := ledger.ParseAmount(r.Amount)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: bad amount %q: %w", r.ID, r.Amount, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: bad timestamp %q: %w", r.ID, r.CreatedAt, err)
	}
	return ledger.Transaction{
		ID:        r.ID,
		Type:      ledger.TxType(r.Type),
		From:      ledger.Identity(r.From),
		To:        ledger.Identity(r.To),
		Amount:    amount,
		Seq:       uint64(r.Seq),
		CreatedAt: createdAt,
	}, nil
}

func (s *Store) Append(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, tx_type, from_account, to_account, amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tx.ID, string(tx.Type), string(tx.From), string(tx.To), tx.Amount.String(),
		tx.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("read assigned seq: %w", err)
	}
	tx.Seq = uint64(seq)
	return tx, nil
}

func (s *Store) LoadByAccount(ctx context.Context, who ledger.Identity) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []txRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT seq, id, tx_type, from_account, to_account, amount, created_at
		 FROM transactions WHERE from_account = ? OR to_account = ? ORDER BY seq`,
		string(who), string(who))
	if err != nil {
		return nil, fmt.Errorf("load transactions for %s: %w", who, err)
	}
	return rowsToTransactions(rows)
}

func (s *Store) LoadAll(ctx context.Context) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []txRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT seq, id, tx_type, from_account, to_account, amount, created_at
		 FROM transactions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	return rowsToTransactions(rows)
}

func rowsToTransactions(rows []txRow) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, r := range rows {
		tx, err := r.toTransaction()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// =============================================================================
// REGISTRY.REGISTRY - Properties and ownership
// =============================================================================

type propertyRow struct {
	ID              int64  `db:"id"`
	Name            string `db:"name"`
	Description     string `db:"description"`
	ThumbnailURL    string `db:"thumbnail_url"`
	Creator         string `db:"creator"`
	TotalShares     int64  `db:"total_shares"`
	PricePerShare   string `db:"price_per_share"`
	AvailableShares int64  `db:"available_shares"`
	CreatedAt       string `db:"created_at"`
}

type ownershipRow struct {
	PropertyID int64  `db:"property_id"`
	Account    string `db:"account"`
	Shares     int64  `db:"shares"`
	Position   int64  `db:"position"`
}

func (s *Store) CreateProperty(ctx context.Context, creator ledger.Identity, spec registry.PropertySpec) (registry.PropertyID, error) {
	if err := registry.ValidateSpec(creator, spec); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer dbTx.Rollback()

	res, err := dbTx.ExecContext(ctx,
		`INSERT INTO properties (name, description, thumbnail_url, creator, total_shares, price_per_share, available_shares, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.Name, spec.Description, spec.ThumbnailURL, string(creator),
		int64(spec.TotalShares), spec.PricePerShare.String(),
		int64(spec.TotalShares-spec.CreatorShares),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert property: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read property id: %w", err)
	}

	// The creator's allocation is always the first owners entry, even when
	// it is zero: position 0 records who registered the property.
	_, err = dbTx.ExecContext(ctx,
		`INSERT INTO ownerships (property_id, account, shares, position) VALUES (?, ?, ?, 0)`,
		id, string(creator), int64(spec.CreatorShares))
	if err != nil {
		return 0, fmt.Errorf("insert creator ownership: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return registry.PropertyID(id), nil
}

func (s *Store) GetProperty(ctx context.Context, id registry.PropertyID) (registry.Property, error) {
	// Read lock held across both the property row and its ownership rows, so
	// a purchase cannot commit between the two statements and tear the
	// conservation invariant.
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row propertyRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM properties WHERE id = ?`, int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Property{}, fmt.Errorf("property %d: %w", id, registry.ErrUnknownProperty)
	}
	if err != nil {
		return registry.Property{}, fmt.Errorf("load property %d: %w", id, err)
	}
	return s.buildProperty(ctx, row)
}

func (s *Store) ListProperties(ctx context.Context) ([]registry.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []propertyRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM properties ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}

	out := make([]registry.Property, 0, len(rows))
	for _, row := range rows {
		p, err := s.buildProperty(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) buildProperty(ctx context.Context, row propertyRow) (registry.Property, error) {
	price, err := ledger.ParseAmount(row.PricePerShare)
	if err != nil {
		return registry.Property{}, fmt.Errorf("property %d: bad price %q: %w", row.ID, row.PricePerShare, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return registry.Property{}, fmt.Errorf("property %d: bad timestamp %q: %w", row.ID, row.CreatedAt, err)
	}

	var owners []ownershipRow
	err = s.db.SelectContext(ctx, &owners,
		`SELECT property_id, account, shares, position FROM ownerships WHERE property_id = ? ORDER BY position`,
		row.ID)
	if err != nil {
		return registry.Property{}, fmt.Errorf("load owners of property %d: %w", row.ID, err)
	}

	p := registry.Property{
		ID:              registry.PropertyID(row.ID),
		Name:            row.Name,
		Description:     row.Description,
		ThumbnailURL:    row.ThumbnailURL,
		Creator:         ledger.Identity(row.Creator),
		TotalShares:     uint64(row.TotalShares),
		PricePerShare:   price,
		AvailableShares: uint64(row.AvailableShares),
		Owners:          make([]registry.Ownership, 0, len(owners)),
		CreatedAt:       createdAt,
	}
	for _, o := range owners {
		p.Owners = append(p.Owners, registry.Ownership{Account: ledger.Identity(o.Account), Shares: uint64(o.Shares)})
	}
	return p, nil
}

func (s *Store) PurchaseShares(ctx context.Context, id registry.PropertyID, buyer ledger.Identity, shares uint64) error {
	if shares == 0 {
		return registry.ErrInvalidShares
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbTx.Rollback()

	var available int64
	err = dbTx.GetContext(ctx, &available, `SELECT available_shares FROM properties WHERE id = ?`, int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("property %d: %w", id, registry.ErrUnknownProperty)
	}
	if err != nil {
		return fmt.Errorf("load property %d: %w", id, err)
	}

	// Conditional decrement: the availability check and the decrement are
	// one statement, so losing a race fails here instead of overselling.
	res, err := dbTx.ExecContext(ctx,
		`UPDATE properties SET available_shares = available_shares - ? WHERE id = ? AND available_shares >= ?`,
		int64(shares), int64(id), int64(shares))
	if err != nil {
		return fmt.Errorf("decrement available shares: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &registry.NotEnoughAvailableSharesError{PropertyID: id, Available: uint64(available), Requested: shares}
	}

	if err := upsertOwnership(ctx, dbTx, int64(id), string(buyer), int64(shares)); err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) TransferShares(ctx context.Context, id registry.PropertyID, from, to ledger.Identity, shares uint64) error {
	if shares == 0 {
		return registry.ErrInvalidShares
	}
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ledger.ErrInvalidRecipient, string(to))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbTx.Rollback()

	var exists int
	err = dbTx.GetContext(ctx, &exists, `SELECT 1 FROM properties WHERE id = ?`, int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("property %d: %w", id, registry.ErrUnknownProperty)
	}
	if err != nil {
		return fmt.Errorf("load property %d: %w", id, err)
	}

	var held int64
	err = dbTx.GetContext(ctx, &held,
		`SELECT shares FROM ownerships WHERE property_id = ? AND account = ?`, int64(id), string(from))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s holds no shares of property %d: %w", from, id, registry.ErrNotAuthorized)
	}
	if err != nil {
		return fmt.Errorf("load holding: %w", err)
	}
	if held < int64(shares) {
		return fmt.Errorf("property %d: have %d, sending %d: %w", id, held, shares, registry.ErrNotEnoughShares)
	}

	if held == int64(shares) {
		_, err = dbTx.ExecContext(ctx,
			`DELETE FROM ownerships WHERE property_id = ? AND account = ?`, int64(id), string(from))
	} else {
		_, err = dbTx.ExecContext(ctx,
			`UPDATE ownerships SET shares = shares - ? WHERE property_id = ? AND account = ?`,
			int64(shares), int64(id), string(from))
	}
	if err != nil {
		return fmt.Errorf("debit holding: %w", err)
	}

	if err := upsertOwnership(ctx, dbTx, int64(id), string(to), int64(shares)); err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// upsertOwnership accumulates into an existing entry or appends a new one at
// the next position, preserving acquisition order.
func upsertOwnership(ctx context.Context, dbTx *sqlx.Tx, propertyID int64, account string, shares int64) error {
	res, err := dbTx.ExecContext(ctx,
		`UPDATE ownerships SET shares = shares + ? WHERE property_id = ? AND account = ?`,
		shares, propertyID, account)
	if err != nil {
		return fmt.Errorf("credit holding: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = dbTx.ExecContext(ctx,
		`INSERT INTO ownerships (property_id, account, shares, position)
		 SELECT ?, ?, ?, COALESCE(MAX(position) + 1, 0) FROM ownerships WHERE property_id = ?`,
		propertyID, account, shares, propertyID)
	if err != nil {
		return fmt.Errorf("insert holding: %w", err)
	}
	return nil
}
