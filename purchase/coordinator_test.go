package purchase_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brix/market-engine/ledger"
	"github.com/brix/market-engine/ledger/store"
	"github.com/brix/market-engine/purchase"
	"github.com/brix/market-engine/registry"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const settlement = ledger.Identity("property-registry")

type fixture struct {
	ledger   *ledger.DefaultLedger
	registry *registry.Memory
	coord    *purchase.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	lg := ledger.NewLedger(store.NewMemory())
	reg := registry.NewMemory()
	return &fixture{
		ledger:   lg,
		registry: reg,
		coord:    purchase.NewCoordinator(lg, reg, settlement, nil),
	}
}

func (f *fixture) fund(t *testing.T, who ledger.Identity, tokens int64) {
	t.Helper()
	require.NoError(t, f.ledger.Mint(context.Background(), who, ledger.NewAmount(tokens)))
}

func (f *fixture) listProperty(t *testing.T, creator ledger.Identity, total uint64, price int64) registry.PropertyID {
	t.Helper()
	id, err := f.registry.CreateProperty(context.Background(), creator, registry.PropertySpec{
		Name:          "Dockside Row",
		TotalShares:   total,
		PricePerShare: ledger.NewAmount(price),
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) balance(t *testing.T, who ledger.Identity) ledger.Amount {
	t.Helper()
	b, err := f.ledger.BalanceOf(context.Background(), who)
	require.NoError(t, err)
	return b
}

func (f *fixture) property(t *testing.T, id registry.PropertyID) registry.Property {
	t.Helper()
	p, err := f.registry.GetProperty(context.Background(), id)
	require.NoError(t, err)
	return p
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestBuyShares_Completed(t *testing.T) {
	// GIVEN: property with 100 shares at 5 each; buyer holds 1000
	// WHEN: buyer requests 10 shares
	// THEN: balance 950, holding 10, available 90, outcome Completed

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 1000)
	id := f.listProperty(t, "carol", 100, 5)

	outcome, err := f.coord.BuyShares(ctx, "alice", id, 10)

	require.NoError(t, err)
	assert.Equal(t, uint64(10), outcome.Shares)
	assert.True(t, outcome.Cost.Equal(ledger.NewAmount(50)))
	assert.NotEmpty(t, outcome.AttemptID)

	assert.True(t, f.balance(t, "alice").Equal(ledger.NewAmount(950)))
	assert.True(t, f.balance(t, settlement).Equal(ledger.NewAmount(50)))

	p := f.property(t, id)
	assert.Equal(t, uint64(10), p.SharesOf("alice"))
	assert.Equal(t, uint64(90), p.AvailableShares)
}

func TestBuyShares_BalanceMovesExactlyCost(t *testing.T) {
	// Two effects of a completed purchase, never one without the other:
	// buyer down by n×price, holding up by n.

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 1000)
	id := f.listProperty(t, "carol", 100, 7)

	_, err := f.coord.BuyShares(ctx, "alice", id, 3)
	require.NoError(t, err)
	_, err = f.coord.BuyShares(ctx, "alice", id, 2)
	require.NoError(t, err)

	assert.True(t, f.balance(t, "alice").Equal(ledger.NewAmount(1000-7*5)))
	assert.Equal(t, uint64(5), f.property(t, id).SharesOf("alice"))
}

// =============================================================================
// VALIDATION FAILURES - No ledger side effects
// =============================================================================

func TestBuyShares_ZeroShares_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100)
	id := f.listProperty(t, "carol", 100, 5)

	_, err := f.coord.BuyShares(context.Background(), "alice", id, 0)

	assert.ErrorIs(t, err, purchase.ErrInvalidRequest)
	assert.True(t, f.balance(t, "alice").Equal(ledger.NewAmount(100)))
}

func TestBuyShares_UnknownProperty_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100)

	_, err := f.coord.BuyShares(context.Background(), "alice", 404, 1)

	assert.ErrorIs(t, err, purchase.ErrInvalidRequest)
}

func TestBuyShares_CreatorAlwaysRejected(t *testing.T) {
	// The creator may not buy shares of their own property through the
	// public purchase path, regardless of available shares or balance.

	f := newFixture(t)
	f.fund(t, "carol", 100000)
	id := f.listProperty(t, "carol", 100, 5)

	_, err := f.coord.BuyShares(context.Background(), "carol", id, 1)

	assert.ErrorIs(t, err, purchase.ErrInvalidRequest)
	assert.True(t, f.balance(t, "carol").Equal(ledger.NewAmount(100000)))
	assert.Equal(t, uint64(100), f.property(t, id).AvailableShares)
}

// =============================================================================
// TRANSFER FAILURES - Clean, no side effects
// =============================================================================

func TestBuyShares_InsufficientBalance_TransferFailed(t *testing.T) {
	// GIVEN: buyer holds 20; cost is 50
	// WHEN: buyShares(P, 10) at price 5
	// THEN: TransferFailed(InsufficientBalance); balance still 20; no shares moved

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 20)
	id := f.listProperty(t, "carol", 100, 5)

	_, err := f.coord.BuyShares(ctx, "alice", id, 10)

	assert.ErrorIs(t, err, purchase.ErrTransferFailed)
	var transferErr *purchase.TransferFailedError
	require.ErrorAs(t, err, &transferErr)
	assert.ErrorIs(t, transferErr.Reason, ledger.ErrInsufficientBalance)

	assert.True(t, f.balance(t, "alice").Equal(ledger.NewAmount(20)))
	assert.Equal(t, uint64(100), f.property(t, id).AvailableShares)
	assert.True(t, purchase.IsRecoverable(err), "a refused transfer is safe to retry")
}

// =============================================================================
// GRANT FAILURES - Payment settled, the inconsistent window
// =============================================================================

func TestBuyShares_SupplyExhausted_GrantFailedTransferSettled(t *testing.T) {
	// GIVEN: 5 shares available; two buyers race for 5 each
	// WHEN: the first completes and the second's grant finds supply gone
	// THEN: the second is GrantFailedTransferSettled with refund advice;
	//       its payment HAS left the account (that is the point)

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 1000)
	f.fund(t, "bob", 1000)
	id := f.listProperty(t, "carol", 5, 5)

	// First buyer wins the race.
	_, err := f.coord.BuyShares(ctx, "alice", id, 5)
	require.NoError(t, err)

	// Second buyer pays, then loses the grant.
	_, err = f.coord.BuyShares(ctx, "bob", id, 5)

	assert.ErrorIs(t, err, purchase.ErrGrantFailedTransferSettled)
	var grantErr *purchase.GrantFailedError
	require.ErrorAs(t, err, &grantErr)
	assert.Equal(t, ledger.Identity("bob"), grantErr.Buyer)
	assert.Equal(t, uint64(5), grantErr.SharesRequested)
	assert.True(t, grantErr.AmountSettled.Equal(ledger.NewAmount(25)))
	assert.ErrorIs(t, grantErr.Reason, registry.ErrNotEnoughAvailableShares)
	assert.Equal(t, purchase.ActionRefundRequired, grantErr.Advice.Action)

	// The inconsistency is real and reported, not hidden.
	assert.True(t, f.balance(t, "bob").Equal(ledger.NewAmount(975)))
	assert.Equal(t, uint64(0), f.property(t, id).SharesOf("bob"))
	assert.False(t, purchase.IsRecoverable(err))
}

func TestBuyShares_AdvisorRetryHeals_LostRace(t *testing.T) {
	// GIVEN: a registry that spuriously refuses the first grant but has
	//        supply on re-query (the other racer's attempt failed too)
	// WHEN: the buyer purchases
	// THEN: the advisor's single retry completes the purchase; the buyer
	//       paid exactly once

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 1000)
	id := f.listProperty(t, "carol", 100, 5)

	flaky := &flakyRegistry{Registry: f.registry, refusals: 1}
	coord := purchase.NewCoordinator(f.ledger, flaky, settlement, nil)

	outcome, err := coord.BuyShares(ctx, "alice", id, 10)

	require.NoError(t, err)
	assert.Equal(t, uint64(10), outcome.Shares)
	assert.True(t, f.balance(t, "alice").Equal(ledger.NewAmount(950)), "retry must not pay twice")
	assert.Equal(t, uint64(10), f.property(t, id).SharesOf("alice"))
	assert.Equal(t, 2, flaky.grantCalls, "one refused grant plus one successful retry")
}

// =============================================================================
// INDETERMINATE OUTCOMES
// =============================================================================

func TestBuyShares_TransportErrorOnTransfer_Indeterminate(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 1000)
	id := f.listProperty(t, "carol", 100, 5)

	broken := &brokenLedger{TokenLedger: f.ledger, transferErr: errors.New("dial tcp: connection refused")}
	coord := purchase.NewCoordinator(broken, f.registry, settlement, nil)

	_, err := coord.BuyShares(context.Background(), "alice", id, 10)

	assert.ErrorIs(t, err, purchase.ErrIndeterminate)
	var indErr *purchase.IndeterminateError
	require.ErrorAs(t, err, &indErr)
	assert.Equal(t, purchase.StageTransfer, indErr.Stage)
	assert.False(t, purchase.IsRecoverable(err), "unknown outcome must not invite retry")
}

func TestBuyShares_TransportErrorOnGrant_Indeterminate(t *testing.T) {
	// The worst transport failure: payment settled, then the grant call
	// died mid-flight. Must be surfaced as indeterminate at the grant
	// stage, never as a clean failure.

	f := newFixture(t)
	f.fund(t, "alice", 1000)
	id := f.listProperty(t, "carol", 100, 5)

	flaky := &flakyRegistry{Registry: f.registry, transportErr: errors.New("i/o timeout")}
	coord := purchase.NewCoordinator(f.ledger, flaky, settlement, nil)

	_, err := coord.BuyShares(context.Background(), "alice", id, 10)

	var indErr *purchase.IndeterminateError
	require.ErrorAs(t, err, &indErr)
	assert.Equal(t, purchase.StageGrant, indErr.Stage)
	assert.True(t, f.balance(t, "alice").Equal(ledger.NewAmount(950)), "payment settled before the grant broke")
}

// =============================================================================
// CONCURRENT DUPLICATE REQUESTS
// =============================================================================

func TestBuyShares_DuplicateConcurrentAttempt_Rejected(t *testing.T) {
	// GIVEN: a first attempt blocked inside its transfer
	// WHEN: the same (buyer, property) pair is requested again
	// THEN: the duplicate is refused with AttemptInProgress; the first
	//       completes normally once unblocked

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 1000)
	id := f.listProperty(t, "carol", 100, 5)

	gate := make(chan struct{})
	entered := make(chan struct{}, 2)
	slow := &blockingLedger{TokenLedger: f.ledger, gate: gate, entered: entered}
	coord := purchase.NewCoordinator(slow, f.registry, settlement, nil)

	done := make(chan error, 1)
	go func() {
		_, err := coord.BuyShares(ctx, "alice", id, 10)
		done <- err
	}()
	<-entered // first attempt is now inside Transfer

	_, err := coord.BuyShares(ctx, "alice", id, 10)
	assert.ErrorIs(t, err, purchase.ErrAttemptInProgress)

	close(gate)
	require.NoError(t, <-done)

	// Terminal state reached; the pair is free again.
	_, err = coord.BuyShares(ctx, "alice", id, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), f.property(t, id).SharesOf("alice"))
}

func TestBuyShares_DifferentPairsNotSerialized(t *testing.T) {
	// Unrelated attempts run concurrently: blocking one (buyer, property)
	// pair must not stall another buyer.

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 1000)
	f.fund(t, "bob", 1000)
	id := f.listProperty(t, "carol", 100, 5)

	gate := make(chan struct{})
	entered := make(chan struct{}, 2)
	slow := &blockingLedger{TokenLedger: f.ledger, gate: gate, entered: entered, blockOnly: "alice"}
	coord := purchase.NewCoordinator(slow, f.registry, settlement, nil)

	done := make(chan error, 1)
	go func() {
		_, err := coord.BuyShares(ctx, "alice", id, 10)
		done <- err
	}()
	<-entered

	_, err := coord.BuyShares(ctx, "bob", id, 10)
	require.NoError(t, err, "bob must not wait for alice")

	close(gate)
	require.NoError(t, <-done)
}

// =============================================================================
// ADVISORY CACHE
// =============================================================================

func TestBuyShares_StaleCacheFailsFast_NoLedgerCall(t *testing.T) {
	// A cached balance below cost short-circuits before any ledger call.
	// Nothing irreversible is gated on the hint: the rejected purchase had
	// no side effect and a refreshed retry goes through authoritatively.

	f := newFixture(t)
	f.fund(t, "alice", 1000)
	id := f.listProperty(t, "carol", 100, 5)

	cache := &stubCache{hints: map[ledger.Identity]ledger.Amount{"alice": ledger.NewAmount(10)}}
	counting := &countingLedger{TokenLedger: f.ledger}
	coord := purchase.NewCoordinator(counting, f.registry, settlement, cache)

	_, err := coord.BuyShares(context.Background(), "alice", id, 10)

	assert.ErrorIs(t, err, purchase.ErrTransferFailed)
	var transferErr *purchase.TransferFailedError
	require.ErrorAs(t, err, &transferErr)
	assert.ErrorIs(t, transferErr.Reason, ledger.ErrInsufficientBalance)
	assert.Equal(t, 0, counting.transfers, "fast pre-check must not reach the ledger")

	// Hint gone (fresh mint observed): the authoritative path decides.
	delete(cache.hints, "alice")
	_, err = coord.BuyShares(context.Background(), "alice", id, 10)
	require.NoError(t, err)
}

func TestBuyShares_CompletedRefreshesCache(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 1000)
	id := f.listProperty(t, "carol", 100, 5)

	cache := &stubCache{hints: map[ledger.Identity]ledger.Amount{}}
	coord := purchase.NewCoordinator(f.ledger, f.registry, settlement, cache)

	_, err := coord.BuyShares(context.Background(), "alice", id, 10)

	require.NoError(t, err)
	assert.Equal(t, []ledger.Identity{"alice"}, cache.invalidated,
		"completed purchase must trigger an authoritative re-fetch")
}

// =============================================================================
// TEST DOUBLES
// =============================================================================

// flakyRegistry refuses the first n grants with a supply error, or fails
// every grant with a transport error when transportErr is set.
type flakyRegistry struct {
	registry.Registry
	refusals     int
	transportErr error
	grantCalls   int
}

func (f *flakyRegistry) PurchaseShares(ctx context.Context, id registry.PropertyID, buyer ledger.Identity, shares uint64) error {
	f.grantCalls++
	if f.transportErr != nil {
		return f.transportErr
	}
	if f.refusals > 0 {
		f.refusals--
		return &registry.NotEnoughAvailableSharesError{PropertyID: id, Available: 0, Requested: shares}
	}
	return f.Registry.PurchaseShares(ctx, id, buyer, shares)
}

// brokenLedger fails Transfer with a transport-style error.
type brokenLedger struct {
	ledger.TokenLedger
	transferErr error
}

func (b *brokenLedger) Transfer(context.Context, ledger.Identity, ledger.Identity, ledger.Amount) error {
	return b.transferErr
}

// blockingLedger parks Transfer on a gate channel, signalling entry.
type blockingLedger struct {
	ledger.TokenLedger
	gate      chan struct{}
	entered   chan struct{}
	blockOnly ledger.Identity // zero value blocks every sender
}

func (b *blockingLedger) Transfer(ctx context.Context, from, to ledger.Identity, amount ledger.Amount) error {
	if b.blockOnly == "" || b.blockOnly == from {
		b.entered <- struct{}{}
		<-b.gate
	}
	return b.TokenLedger.Transfer(ctx, from, to, amount)
}

// countingLedger counts Transfer calls.
type countingLedger struct {
	ledger.TokenLedger
	transfers int
}

func (c *countingLedger) Transfer(ctx context.Context, from, to ledger.Identity, amount ledger.Amount) error {
	c.transfers++
	return c.TokenLedger.Transfer(ctx, from, to, amount)
}

// stubCache hands out fixed hints and records invalidations.
type stubCache struct {
	mu          sync.Mutex
	hints       map[ledger.Identity]ledger.Amount
	invalidated []ledger.Identity
}

func (s *stubCache) BalanceHint(who ledger.Identity) (ledger.Amount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hint, ok := s.hints[who]
	return hint, ok
}

func (s *stubCache) Invalidate(_ context.Context, who ledger.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, who)
}
