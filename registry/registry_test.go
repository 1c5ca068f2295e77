package registry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brix/market-engine/ledger"
	"github.com/brix/market-engine/registry"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newProperty(t *testing.T, reg *registry.Memory, creator ledger.Identity, total, creatorShares uint64, price int64) registry.PropertyID {
	t.Helper()
	id, err := reg.CreateProperty(context.Background(), creator, registry.PropertySpec{
		Name:          "Harborview Lofts",
		Description:   "12-unit waterfront building",
		TotalShares:   total,
		PricePerShare: ledger.NewAmount(price),
		CreatorShares: creatorShares,
	})
	require.NoError(t, err)
	return id
}

// conserved asserts the registry's core invariant.
func conserved(t *testing.T, p registry.Property) {
	t.Helper()
	var owned uint64
	for _, o := range p.Owners {
		owned += o.Shares
	}
	assert.Equal(t, p.TotalShares, owned+p.AvailableShares,
		"sum(owners) + available must equal total")
}

// =============================================================================
// CREATION
// =============================================================================

func TestRegistry_CreateProperty_CreatorIsFirstOwner(t *testing.T) {
	reg := registry.NewMemory()
	id := newProperty(t, reg, "carol", 100, 20, 5)

	p, err := reg.GetProperty(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, ledger.Identity("carol"), p.Creator)
	require.NotEmpty(t, p.Owners)
	assert.Equal(t, ledger.Identity("carol"), p.Owners[0].Account)
	assert.Equal(t, uint64(20), p.Owners[0].Shares)
	assert.Equal(t, uint64(80), p.AvailableShares)
	conserved(t, p)
}

func TestRegistry_CreateProperty_InvalidSpecs(t *testing.T) {
	reg := registry.NewMemory()
	ctx := context.Background()

	cases := []struct {
		name string
		spec registry.PropertySpec
	}{
		{"no name", registry.PropertySpec{TotalShares: 10, PricePerShare: ledger.NewAmount(1)}},
		{"zero total shares", registry.PropertySpec{Name: "x", TotalShares: 0, PricePerShare: ledger.NewAmount(1)}},
		{"creator shares exceed total", registry.PropertySpec{Name: "x", TotalShares: 10, CreatorShares: 11, PricePerShare: ledger.NewAmount(1)}},
		{"negative price", registry.PropertySpec{Name: "x", TotalShares: 10, PricePerShare: ledger.NewAmount(-1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.CreateProperty(ctx, "carol", tc.spec)
			assert.ErrorIs(t, err, registry.ErrInvalidSpec)
		})
	}
}

// =============================================================================
// PURCHASE
// =============================================================================

func TestRegistry_PurchaseShares_GrantsAndConserves(t *testing.T) {
	reg := registry.NewMemory()
	ctx := context.Background()
	id := newProperty(t, reg, "carol", 100, 0, 5)

	require.NoError(t, reg.PurchaseShares(ctx, id, "alice", 10))

	p, err := reg.GetProperty(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), p.AvailableShares)
	assert.Equal(t, uint64(10), p.SharesOf("alice"))
	conserved(t, p)
}

func TestRegistry_PurchaseShares_RepeatBuyerAccumulates(t *testing.T) {
	// GIVEN: alice already owns 10 shares
	// WHEN: alice buys 5 more
	// THEN: her single owners entry grows to 15; no duplicate entry

	reg := registry.NewMemory()
	ctx := context.Background()
	id := newProperty(t, reg, "carol", 100, 0, 5)
	require.NoError(t, reg.PurchaseShares(ctx, id, "alice", 10))

	require.NoError(t, reg.PurchaseShares(ctx, id, "alice", 5))

	p, _ := reg.GetProperty(ctx, id)
	entries := 0
	for _, o := range p.Owners {
		if o.Account == "alice" {
			entries++
		}
	}
	assert.Equal(t, 1, entries, "owners must be keyed uniquely per account")
	assert.Equal(t, uint64(15), p.SharesOf("alice"))
	conserved(t, p)
}

func TestRegistry_PurchaseShares_OversellFailsAtomically(t *testing.T) {
	reg := registry.NewMemory()
	ctx := context.Background()
	id := newProperty(t, reg, "carol", 10, 0, 5)

	err := reg.PurchaseShares(ctx, id, "alice", 11)

	assert.ErrorIs(t, err, registry.ErrNotEnoughAvailableShares)
	var notEnough *registry.NotEnoughAvailableSharesError
	require.ErrorAs(t, err, &notEnough)
	assert.Equal(t, uint64(10), notEnough.Available)
	assert.Equal(t, uint64(11), notEnough.Requested)

	p, _ := reg.GetProperty(ctx, id)
	assert.Equal(t, uint64(10), p.AvailableShares, "failed purchase must not move shares")
	conserved(t, p)
}

func TestRegistry_PurchaseShares_UnknownProperty(t *testing.T) {
	reg := registry.NewMemory()
	err := reg.PurchaseShares(context.Background(), 404, "alice", 1)
	assert.ErrorIs(t, err, registry.ErrUnknownProperty)
}

func TestRegistry_PurchaseShares_ConcurrentBuyersNeverOversell(t *testing.T) {
	// GIVEN: 5 shares available
	// WHEN: 20 goroutines each try to buy 5
	// THEN: exactly one succeeds; conservation holds

	reg := registry.NewMemory()
	ctx := context.Background()
	id := newProperty(t, reg, "carol", 5, 0, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			buyer := ledger.Identity(fmt.Sprintf("buyer-%d", n))
			if err := reg.PurchaseShares(ctx, id, buyer, 5); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	p, _ := reg.GetProperty(ctx, id)
	assert.Equal(t, uint64(0), p.AvailableShares)
	conserved(t, p)
}

// =============================================================================
// SHARE TRANSFER
// =============================================================================

func TestRegistry_TransferShares_MovesHolding(t *testing.T) {
	reg := registry.NewMemory()
	ctx := context.Background()
	id := newProperty(t, reg, "carol", 100, 0, 5)
	require.NoError(t, reg.PurchaseShares(ctx, id, "alice", 10))

	require.NoError(t, reg.TransferShares(ctx, id, "alice", "bob", 4))

	p, _ := reg.GetProperty(ctx, id)
	assert.Equal(t, uint64(6), p.SharesOf("alice"))
	assert.Equal(t, uint64(4), p.SharesOf("bob"))
	conserved(t, p)
}

func TestRegistry_TransferShares_FullExitRemovesEntry(t *testing.T) {
	// GIVEN: alice owns 10 shares
	// WHEN: she transfers all 10 away
	// THEN: her owners entry disappears entirely

	reg := registry.NewMemory()
	ctx := context.Background()
	id := newProperty(t, reg, "carol", 100, 0, 5)
	require.NoError(t, reg.PurchaseShares(ctx, id, "alice", 10))

	require.NoError(t, reg.TransferShares(ctx, id, "alice", "bob", 10))

	p, _ := reg.GetProperty(ctx, id)
	for _, o := range p.Owners {
		assert.NotEqual(t, ledger.Identity("alice"), o.Account)
	}
	assert.Equal(t, uint64(10), p.SharesOf("bob"))
	conserved(t, p)
}

func TestRegistry_TransferShares_CreatorFieldSurvivesFullExit(t *testing.T) {
	// The creator-exclusion rule keys on the Creator field, not on the
	// owners list: a creator who transfers away every share is still the
	// creator.

	reg := registry.NewMemory()
	ctx := context.Background()
	id := newProperty(t, reg, "carol", 100, 20, 5)

	require.NoError(t, reg.TransferShares(ctx, id, "carol", "bob", 20))

	p, _ := reg.GetProperty(ctx, id)
	assert.Equal(t, ledger.Identity("carol"), p.Creator)
	assert.Equal(t, uint64(0), p.SharesOf("carol"))
	conserved(t, p)
}

func TestRegistry_TransferShares_Failures(t *testing.T) {
	reg := registry.NewMemory()
	ctx := context.Background()
	id := newProperty(t, reg, "carol", 100, 0, 5)
	require.NoError(t, reg.PurchaseShares(ctx, id, "alice", 10))

	assert.ErrorIs(t, reg.TransferShares(ctx, id, "mallory", "bob", 1), registry.ErrNotAuthorized)
	assert.ErrorIs(t, reg.TransferShares(ctx, id, "alice", "bob", 11), registry.ErrNotEnoughShares)
	assert.ErrorIs(t, reg.TransferShares(ctx, id, "alice", "", 1), ledger.ErrInvalidRecipient)
	assert.ErrorIs(t, reg.TransferShares(ctx, 404, "alice", "bob", 1), registry.ErrUnknownProperty)
}
