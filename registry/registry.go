/*
registry.go - Registry interface and in-memory implementation

PURPOSE:
  The Registry records property definitions and share ownership. Every
  mutating operation is atomic at this registry: PurchaseShares performs the
  availability check and the decrement in one critical section, which is what
  makes a lost race detectable (decrement-check-fail) rather than corrupting.

TRUST BOUNDARY:
  PurchaseShares performs NO payment. It records an allocation and trusts
  the caller to have settled payment beforehand. The purchase coordinator
  owns that ordering; see purchase/coordinator.go.

SEE ALSO:
  - store/sqlite: durable implementation with the same semantics
*/
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brix/market-engine/ledger"
)

// =============================================================================
// REGISTRY - Interface
// =============================================================================

type Registry interface {
	// CreateProperty registers a property, granting the creator the spec's
	// initial allocation and putting the remainder on sale.
	CreateProperty(ctx context.Context, creator ledger.Identity, spec PropertySpec) (PropertyID, error)

	// GetProperty returns a copy of the property's current state.
	GetProperty(ctx context.Context, id PropertyID) (Property, error)

	// ListProperties returns all properties in id order.
	ListProperties(ctx context.Context) ([]Property, error)

	// PurchaseShares atomically moves shares from the available pool to the
	// buyer. Performs no payment.
	PurchaseShares(ctx context.Context, id PropertyID, buyer ledger.Identity, shares uint64) error

	// TransferShares moves shares between two holders of the property.
	TransferShares(ctx context.Context, id PropertyID, from, to ledger.Identity, shares uint64) error
}

// =============================================================================
// MEMORY REGISTRY - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu     sync.RWMutex
	props  map[PropertyID]*Property
	nextID PropertyID
}

func NewMemory() *Memory {
	return &Memory{props: make(map[PropertyID]*Property), nextID: 1}
}

func (m *Memory) CreateProperty(_ context.Context, creator ledger.Identity, spec PropertySpec) (PropertyID, error) {
	if err := ValidateSpec(creator, spec); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	m.props[id] = &Property{
		ID:              id,
		Name:            spec.Name,
		Description:     spec.Description,
		ThumbnailURL:    spec.ThumbnailURL,
		Creator:         creator,
		TotalShares:     spec.TotalShares,
		PricePerShare:   spec.PricePerShare,
		AvailableShares: spec.TotalShares - spec.CreatorShares,
		Owners:          []Ownership{{Account: creator, Shares: spec.CreatorShares}},
		CreatedAt:       time.Now().UTC(),
	}
	return id, nil
}

func (m *Memory) GetProperty(_ context.Context, id PropertyID) (Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.props[id]
	if !ok {
		return Property{}, fmt.Errorf("property %d: %w", id, ErrUnknownProperty)
	}
	return p.clone(), nil
}

func (m *Memory) ListProperties(_ context.Context) ([]Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Property, 0, len(m.props))
	for id := PropertyID(1); id < m.nextID; id++ {
		if p, ok := m.props[id]; ok {
			out = append(out, p.clone())
		}
	}
	return out, nil
}

func (m *Memory) PurchaseShares(_ context.Context, id PropertyID, buyer ledger.Identity, shares uint64) error {
	if shares == 0 {
		return ErrInvalidShares
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.props[id]
	if !ok {
		return fmt.Errorf("property %d: %w", id, ErrUnknownProperty)
	}
	if shares > p.AvailableShares {
		return &NotEnoughAvailableSharesError{PropertyID: id, Available: p.AvailableShares, Requested: shares}
	}

	p.AvailableShares -= shares
	upsertOwner(p, buyer, shares)
	return nil
}

func (m *Memory) TransferShares(_ context.Context, id PropertyID, from, to ledger.Identity, shares uint64) error {
	if shares == 0 {
		return ErrInvalidShares
	}
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ledger.ErrInvalidRecipient, string(to))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.props[id]
	if !ok {
		return fmt.Errorf("property %d: %w", id, ErrUnknownProperty)
	}

	idx := -1
	for i, o := range p.Owners {
		if o.Account == from {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%s holds no shares of property %d: %w", from, id, ErrNotAuthorized)
	}
	if p.Owners[idx].Shares < shares {
		return fmt.Errorf("property %d: have %d, sending %d: %w", id, p.Owners[idx].Shares, shares, ErrNotEnoughShares)
	}

	p.Owners[idx].Shares -= shares
	if p.Owners[idx].Shares == 0 {
		p.Owners = append(p.Owners[:idx], p.Owners[idx+1:]...)
	}
	upsertOwner(p, to, shares)
	return nil
}

// upsertOwner accumulates into an existing entry or appends a new one at the
// end, preserving acquisition order.
func upsertOwner(p *Property, who ledger.Identity, shares uint64) {
	for i, o := range p.Owners {
		if o.Account == who {
			p.Owners[i].Shares += shares
			return
		}
	}
	p.Owners = append(p.Owners, Ownership{Account: who, Shares: shares})
}

// ValidateSpec checks a property spec before registration.
func ValidateSpec(creator ledger.Identity, spec PropertySpec) error {
	if !creator.Valid() {
		return fmt.Errorf("%w: missing creator", ErrInvalidSpec)
	}
	if spec.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSpec)
	}
	if spec.TotalShares == 0 {
		return fmt.Errorf("%w: total shares must be positive", ErrInvalidSpec)
	}
	if spec.CreatorShares > spec.TotalShares {
		return fmt.Errorf("%w: creator shares %d exceed total %d", ErrInvalidSpec, spec.CreatorShares, spec.TotalShares)
	}
	if spec.PricePerShare.IsNegative() || !spec.PricePerShare.IsWhole() {
		return fmt.Errorf("%w: price per share must be a non-negative whole amount", ErrInvalidSpec)
	}
	return nil
}
