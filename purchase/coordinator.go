/*
coordinator.go - Cross-ledger purchase coordinator

PURPOSE:
  Buying shares moves value across two independently-consistent ledgers with
  no shared transaction: the token ledger settles payment, the property
  registry records the allocation. Each call is atomic at its own ledger;
  nothing makes the pair atomic. The coordinator sequences the two calls as
  a saga with one non-compensable step and defined partial-failure semantics.

ORDERING (transfer first, then grant):
  Grant-first would hand out shares that cannot be revoked if payment then
  failed; the registry has no revoke operation. Payment failing first is
  clean (no side effect). Payment succeeding and the grant then failing is
  the unavoidable inconsistent window; it is surfaced as a first-class
  error, never hidden behind a generic alert.

CONCURRENCY:
  - One attempt at a time per (buyer, property): a second request while one
    is outstanding is refused with ErrAttemptInProgress. This is what stops
    a double-click from double-spending.
  - Unrelated attempts are not serialized against each other.
  - The race window between transfer and grant is accepted, detected via the
    registry's atomic decrement-check-fail, and reported - not prevented.
  - A hung ledger call keeps the attempt outstanding; the coordinator
    imposes no timeout of its own beyond the caller's context.

SEE ALSO:
  - advisor.go: recovery policy for the inconsistent outcome
  - attempt.go: the state machine being driven here
*/
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/brix/market-engine/ledger"
	"github.com/brix/market-engine/registry"
)

// AdvisoryCache is the coordinator's view of locally cached ledger state.
// Hints gate nothing irreversible: a balance hint only short-circuits a
// purchase that would fail anyway, and the authoritative check still happens
// inside the transfer itself.
type AdvisoryCache interface {
	// BalanceHint returns the last-known balance for the account, if any.
	BalanceHint(who ledger.Identity) (ledger.Amount, bool)

	// Invalidate tells the cache the account's ledger state changed and an
	// authoritative re-fetch is due.
	Invalidate(ctx context.Context, who ledger.Identity)
}

type attemptKey struct {
	Buyer      ledger.Identity
	PropertyID registry.PropertyID
}

// Coordinator orchestrates a token transfer followed by a share grant as one
// logical purchase.
type Coordinator struct {
	ledger     ledger.TokenLedger
	registry   registry.Registry
	settlement ledger.Identity // the registry's token account; payments land here
	cache      AdvisoryCache   // optional
	advisor    *Advisor

	inflight *inflightTable
}

// NewCoordinator wires a coordinator. cache may be nil; settlement is the
// token-ledger account that receives purchase payments.
func NewCoordinator(lg ledger.TokenLedger, reg registry.Registry, settlement ledger.Identity, cache AdvisoryCache) *Coordinator {
	return &Coordinator{
		ledger:     lg,
		registry:   reg,
		settlement: settlement,
		cache:      cache,
		advisor:    NewAdvisor(lg, reg, settlement),
		inflight:   newInflightTable(),
	}
}

// Advisor returns the coordinator's reconciliation advisor, for callers that
// need to assess or resolve attempts out of band.
func (c *Coordinator) Advisor() *Advisor { return c.advisor }

// BuyShares executes the two-step purchase protocol for shares of the given
// property. On success the view cache is told to re-fetch authoritative
// state. On failure the error's category (see errors.go) tells the caller
// exactly what, if anything, changed.
func (c *Coordinator) BuyShares(ctx context.Context, buyer ledger.Identity, propertyID registry.PropertyID, shares uint64) (Outcome, error) {
	key := attemptKey{Buyer: buyer, PropertyID: propertyID}
	if !c.inflight.reserve(key) {
		return Outcome{}, fmt.Errorf("buyer %s, property %d: %w", buyer, propertyID, ErrAttemptInProgress)
	}
	// Released when the attempt reaches a terminal state, i.e. when this
	// call returns. A hung ledger call never returns, so the reservation
	// stays held and duplicate requests keep being refused.
	defer c.inflight.release(key)

	// --- Requested: local validation, no ledger side effects yet ---

	if shares == 0 {
		return Outcome{}, &InvalidRequestError{Reason: "share count must be positive"}
	}

	prop, err := c.registry.GetProperty(ctx, propertyID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownProperty) {
			return Outcome{}, &InvalidRequestError{Reason: err.Error()}
		}
		return Outcome{}, fmt.Errorf("property lookup: %w", err)
	}
	if buyer == prop.Creator {
		return Outcome{}, &InvalidRequestError{Reason: "creator cannot buy shares of their own property"}
	}

	a := newAttempt(buyer, propertyID, shares, prop.PricePerShare)
	if a.Cost.IsNegative() || !a.Cost.IsWhole() {
		return Outcome{}, &InvalidRequestError{Reason: fmt.Sprintf("cost %s is not a representable token amount", a.Cost)}
	}

	// Advisory pre-check. A stale-low hint rejects a purchase that a fresh
	// mint might have afforded; that is the accepted price of failing fast,
	// and the caller can refresh and retry with no side effect.
	if c.cache != nil {
		if hint, ok := c.cache.BalanceHint(buyer); ok && hint.LessThan(a.Cost) {
			a.transition(StateTransferFailed)
			a.TransferErr = fmt.Errorf("%w: cached balance %s below cost %s", ledger.ErrInsufficientBalance, hint, a.Cost)
			return Outcome{}, &TransferFailedError{Buyer: buyer, PropertyID: propertyID, Cost: a.Cost, Reason: a.TransferErr}
		}
	}

	// Cancellation is only meaningful before the transfer is issued; once
	// the call is in flight the ledger has accepted it.
	if err := ctx.Err(); err != nil {
		return Outcome{}, fmt.Errorf("purchase canceled before transfer: %w", err)
	}

	// --- TransferPending: pay the settlement account ---

	a.transition(StateTransferPending)
	if err := c.ledger.Transfer(ctx, buyer, c.settlement, a.Cost); err != nil {
		if ledger.IsBusinessError(err) {
			// The ledger refused; definitively no side effect.
			a.transition(StateTransferFailed)
			a.TransferErr = err
			return Outcome{}, &TransferFailedError{Buyer: buyer, PropertyID: propertyID, Cost: a.Cost, Reason: err}
		}
		// Transport failure: the transfer may or may not have settled.
		log.Printf("purchase %s: transfer outcome unknown (buyer=%s property=%d cost=%s): %v",
			a.ID, buyer, propertyID, a.Cost, err)
		return Outcome{}, &IndeterminateError{Stage: StageTransfer, Err: err}
	}
	a.transition(StateTransferConfirmed)

	// --- GrantPending: record the allocation ---
	// Window open: a concurrent buyer can exhaust supply between the
	// transfer above and the grant below. Accepted and detected, not
	// prevented.

	a.transition(StateGrantPending)
	if err := c.registry.PurchaseShares(ctx, propertyID, buyer, shares); err != nil {
		if registry.IsBusinessError(err) {
			a.transition(StateGrantFailedTransferSettled)
			a.GrantErr = err
			return c.resolveGrantFailure(ctx, a)
		}
		log.Printf("purchase %s: grant outcome unknown with payment settled (buyer=%s property=%d cost=%s): %v",
			a.ID, buyer, propertyID, a.Cost, err)
		return Outcome{}, &IndeterminateError{Stage: StageGrant, Err: err}
	}
	a.transition(StateCompleted)

	c.refresh(ctx, buyer)

	return Outcome{AttemptID: a.ID, PropertyID: propertyID, Shares: shares, Cost: a.Cost}, nil
}

// resolveGrantFailure hands an inconsistent attempt to the advisor. If its
// bounded retry lands the grant, the purchase completes as if the race had
// not happened; otherwise the failure is surfaced with full detail.
func (c *Coordinator) resolveGrantFailure(ctx context.Context, a *Attempt) (Outcome, error) {
	resolved, advice := c.advisor.Resolve(ctx, a)
	if resolved {
		// Retried grant succeeded with payment already settled: same final
		// allocation, no second payment.
		a.transition(StateCompleted)
		c.refresh(ctx, a.Buyer)
		return Outcome{AttemptID: a.ID, PropertyID: a.PropertyID, Shares: a.Shares, Cost: a.Cost}, nil
	}

	log.Printf("purchase %s: INCONSISTENT buyer=%s settled=%s property=%d shares=%d advice=%s",
		a.ID, a.Buyer, a.Cost, a.PropertyID, a.Shares, advice.Action)

	return Outcome{}, &GrantFailedError{
		Buyer:           a.Buyer,
		PropertyID:      a.PropertyID,
		SharesRequested: a.Shares,
		AmountSettled:   a.Cost,
		Reason:          a.GrantErr,
		Advice:          advice,
	}
}

func (c *Coordinator) refresh(ctx context.Context, buyer ledger.Identity) {
	if c.cache != nil {
		c.cache.Invalidate(ctx, buyer)
	}
}

// =============================================================================
// IN-FLIGHT TABLE - One outstanding attempt per (buyer, property)
// =============================================================================

type inflightTable struct {
	mu sync.Mutex
	m  map[attemptKey]struct{}
}

func newInflightTable() *inflightTable {
	return &inflightTable{m: make(map[attemptKey]struct{})}
}

// reserve claims the key, returning false if an attempt is already outstanding.
func (t *inflightTable) reserve(key attemptKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.m[key]; exists {
		return false
	}
	t.m[key] = struct{}{}
	return true
}

func (t *inflightTable) release(key attemptKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, key)
}
