/*
Package registry implements the property registry: property definitions,
available share counts, and per-account share ownership.

KEY CONCEPTS IN THIS FILE (types.go):
  - Property: a registered property with a fixed share structure
  - Ownership: one account's holding, in acquisition order
  - PropertySpec: the input for registering a new property

DESIGN PRINCIPLES:
  1. The creator is an explicit immutable field on Property, never inferred
     from the owners list. Owners entries come and go as shares move; the
     creator does not.
  2. Owners is an ordered list keyed uniquely per account: first entry is the
     creator's initial allocation, later entries appear in acquisition order,
     and repeat purchases accumulate into the existing entry.
  3. Conservation: sum of owners' shares + available shares == total shares,
     as observed by any reader after any completed operation.

SEE ALSO:
  - registry.go: the Registry interface and in-memory implementation
*/
package registry

import (
	"time"

	"github.com/brix/market-engine/ledger"
)

// PropertyID identifies a registered property. IDs are allocated
// sequentially by the registry.
type PropertyID int64

// Ownership is one account's holding in a property.
type Ownership struct {
	Account ledger.Identity
	Shares  uint64
}

// Property is a registered property whose shares trade against the token.
// TotalShares and PricePerShare are fixed at creation; AvailableShares only
// ever decreases through the public purchase path.
type Property struct {
	ID             PropertyID
	Name           string
	Description    string
	ThumbnailURL   string
	Creator        ledger.Identity
	TotalShares    uint64
	PricePerShare  ledger.Amount
	AvailableShares uint64
	Owners         []Ownership // acquisition order; Owners[0] is the creator
	CreatedAt      time.Time
}

// SharesOf returns the property's recorded holding for an account.
func (p Property) SharesOf(who ledger.Identity) uint64 {
	for _, o := range p.Owners {
		if o.Account == who {
			return o.Shares
		}
	}
	return 0
}

// clone returns a deep copy so callers can never mutate registry state.
func (p Property) clone() Property {
	out := p
	out.Owners = make([]Ownership, len(p.Owners))
	copy(out.Owners, p.Owners)
	return out
}

// PropertySpec describes a property to register. CreatorShares is the
// creator's initial allocation; the remainder goes on sale.
type PropertySpec struct {
	Name          string
	Description   string
	ThumbnailURL  string
	TotalShares   uint64
	PricePerShare ledger.Amount
	CreatorShares uint64
}
