/*
Package view holds last-known ledger state for display.

PURPOSE:
  The cache is ADVISORY ONLY. It exists so the UI can render a balance,
  property list, and history without a round trip, and so the purchase
  coordinator can fail an obviously unaffordable buy fast. It is never
  trusted to gate an irreversible operation: the authoritative balance check
  lives inside the token ledger's transfer itself.

REFRESH DISCIPLINE:
  Cached values are replaced only by authoritative re-fetches from the
  ledgers, never by local arithmetic. After a completed purchase the actual
  side effects may differ from the locally computed cost under concurrent
  access, so the coordinator invalidates and the cache re-reads.

SEE ALSO:
  - purchase/coordinator.go: the AdvisoryCache consumer
*/
package view

import (
	"context"
	"log"
	"sync"

	"github.com/brix/market-engine/ledger"
	"github.com/brix/market-engine/registry"
)

// =============================================================================
// CACHE - Last-known state for one account
// =============================================================================

// Cache holds one account's last-known balance, the total supply, the
// property list, and the account's transaction history.
type Cache struct {
	account ledger.Identity
	ledger  ledger.TokenLedger
	reg     registry.Registry

	mu         sync.RWMutex
	hasData    bool
	balance    ledger.Amount
	supply     ledger.Amount
	properties []registry.Property
	history    []ledger.Transaction
}

func NewCache(account ledger.Identity, lg ledger.TokenLedger, reg registry.Registry) *Cache {
	return &Cache{account: account, ledger: lg, reg: reg}
}

func (c *Cache) Account() ledger.Identity { return c.account }

// Refresh re-reads everything from the authoritative ledgers. All four reads
// succeed or the cache keeps its previous state.
func (c *Cache) Refresh(ctx context.Context) error {
	balance, err := c.ledger.BalanceOf(ctx, c.account)
	if err != nil {
		return err
	}
	supply, err := c.ledger.TotalSupply(ctx)
	if err != nil {
		return err
	}
	properties, err := c.reg.ListProperties(ctx)
	if err != nil {
		return err
	}
	history, err := c.ledger.History(ctx, c.account)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasData = true
	c.balance = balance
	c.supply = supply
	c.properties = properties
	c.history = history
	return nil
}

// Balance returns the last-known balance and whether one has been fetched.
func (c *Cache) Balance() (ledger.Amount, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balance, c.hasData
}

func (c *Cache) Supply() (ledger.Amount, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supply, c.hasData
}

func (c *Cache) Properties() []registry.Property {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]registry.Property, len(c.properties))
	copy(out, c.properties)
	return out
}

func (c *Cache) History() []ledger.Transaction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ledger.Transaction, len(c.history))
	copy(out, c.history)
	return out
}

// =============================================================================
// POOL - Per-account caches behind the AdvisoryCache contract
// =============================================================================

// Pool lazily maintains one Cache per account and implements the purchase
// coordinator's AdvisoryCache.
type Pool struct {
	ledger ledger.TokenLedger
	reg    registry.Registry

	mu     sync.Mutex
	caches map[ledger.Identity]*Cache
}

func NewPool(lg ledger.TokenLedger, reg registry.Registry) *Pool {
	return &Pool{ledger: lg, reg: reg, caches: make(map[ledger.Identity]*Cache)}
}

// For returns the account's cache, creating an empty one on first use.
func (p *Pool) For(who ledger.Identity) *Cache {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.caches[who]
	if !ok {
		c = NewCache(who, p.ledger, p.reg)
		p.caches[who] = c
	}
	return c
}

// BalanceHint reports the last-known balance for an account. Accounts that
// were never fetched report no hint, so the coordinator falls through to the
// authoritative check.
func (p *Pool) BalanceHint(who ledger.Identity) (ledger.Amount, bool) {
	p.mu.Lock()
	c, ok := p.caches[who]
	p.mu.Unlock()
	if !ok {
		return ledger.Amount{}, false
	}
	return c.Balance()
}

// Invalidate re-fetches the account's view after a ledger-changing outcome.
// A failed refresh only leaves the cache stale; the next read retries.
func (p *Pool) Invalidate(ctx context.Context, who ledger.Identity) {
	if err := p.For(who).Refresh(ctx); err != nil {
		log.Printf("view: refresh for %s failed: %v", who, err)
	}
}
