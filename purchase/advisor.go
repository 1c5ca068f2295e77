/*
advisor.go - Reconciliation and recovery advisor

PURPOSE:
  When a grant fails after payment settled, someone has to decide what
  happens next. The advisor owns that policy:

  1. Re-query the property. If supply came back (another buyer's attempt
     failed too, or shares were replenished), retry the grant a bounded
     number of times with the SAME parameters. Idempotent from the buyer's
     perspective: shares and price are unchanged and payment has already
     settled, so a successful retry yields exactly the allocation the
     original purchase would have.
  2. If retries exhaust, report the attempt as requiring an operator-level
     refund. There is no automatic refund: the token ledger has no
     compensating-transfer primitive distinguishable from a normal transfer,
     and issuing one would race exactly like the original purchase. The gap
     is flagged, never silently resolved.

  Assess answers the broader question from observable ledger state alone:
  is a given purchase outstanding, completed, or failed, and what remedial
  action applies.

SEE ALSO:
  - coordinator.go: hands GrantFailedTransferSettled attempts here
*/
package purchase

import (
	"context"
	"fmt"

	"github.com/brix/market-engine/ledger"
	"github.com/brix/market-engine/registry"
)

// =============================================================================
// ADVICE
// =============================================================================

type Action string

const (
	// ActionNoOp: no payment settled; nothing to remediate.
	ActionNoOp Action = "no_op"
	// ActionRetryGrant: payment settled, shares not granted, supply available.
	ActionRetryGrant Action = "retry_grant"
	// ActionRefundRequired: payment settled, shares not granted, no supply.
	// Requires an operator-level refund; not automated.
	ActionRefundRequired Action = "refund_required"
	// ActionCompleted: both payment and grant are visible on the ledgers.
	ActionCompleted Action = "completed"
)

// Advice is the advisor's recommendation for a purchase attempt.
type Advice struct {
	Action Action
	Detail string
}

// =============================================================================
// ADVISOR
// =============================================================================

const defaultGrantRetries = 1

type Advisor struct {
	ledger     ledger.TokenLedger
	registry   registry.Registry
	settlement ledger.Identity

	// MaxGrantRetries bounds automatic grant retries after a settled
	// transfer. Kept small: each retry is another turn in the same race.
	MaxGrantRetries int
}

func NewAdvisor(lg ledger.TokenLedger, reg registry.Registry, settlement ledger.Identity) *Advisor {
	return &Advisor{ledger: lg, registry: reg, settlement: settlement, MaxGrantRetries: defaultGrantRetries}
}

// Resolve attempts to repair a GrantFailedTransferSettled attempt. Returns
// resolved=true when a retried grant succeeded; otherwise the advice to
// surface to the caller. Resolve never touches the token ledger: payment has
// settled and must not move again.
func (ad *Advisor) Resolve(ctx context.Context, a *Attempt) (resolved bool, advice Advice) {
	for try := 0; try < ad.MaxGrantRetries; try++ {
		prop, err := ad.registry.GetProperty(ctx, a.PropertyID)
		if err != nil {
			return false, Advice{
				Action: ActionRefundRequired,
				Detail: fmt.Sprintf("property %d unreadable during recovery: %v; buyer %s settled %s for %d shares",
					a.PropertyID, err, a.Buyer, a.Cost, a.Shares),
			}
		}
		if prop.AvailableShares < a.Shares {
			break
		}

		// Same parameters as the original grant; payment already settled.
		if err := ad.registry.PurchaseShares(ctx, a.PropertyID, a.Buyer, a.Shares); err == nil {
			return true, Advice{Action: ActionCompleted, Detail: "grant retry succeeded"}
		}
		// Lost another race or a transport failure; loop re-queries.
	}

	return false, Advice{
		Action: ActionRefundRequired,
		Detail: fmt.Sprintf("buyer %s settled %s for %d shares of property %d and received none; operator refund required",
			a.Buyer, a.Cost, a.Shares, a.PropertyID),
	}
}

// Assess classifies a purchase from observable ledger state: did a payment
// of cost reach the settlement account, and does the buyer hold the shares.
// Used when the in-process attempt record is gone (e.g. after a restart).
func (ad *Advisor) Assess(ctx context.Context, buyer ledger.Identity, propertyID registry.PropertyID, shares uint64, cost ledger.Amount) (Advice, error) {
	history, err := ad.ledger.History(ctx, buyer)
	if err != nil {
		return Advice{}, fmt.Errorf("load buyer history: %w", err)
	}

	settled := false
	for _, tx := range history {
		if tx.Type == ledger.TxSend && tx.From == buyer && tx.To == ad.settlement && tx.Amount.Equal(cost) {
			settled = true
			break
		}
	}
	if !settled {
		return Advice{Action: ActionNoOp, Detail: "no settlement transfer observed; purchase never paid"}, nil
	}

	prop, err := ad.registry.GetProperty(ctx, propertyID)
	if err != nil {
		return Advice{}, fmt.Errorf("load property: %w", err)
	}
	if prop.SharesOf(buyer) >= shares {
		return Advice{Action: ActionCompleted, Detail: "payment settled and shares held"}, nil
	}
	if prop.AvailableShares >= shares {
		return Advice{
			Action: ActionRetryGrant,
			Detail: fmt.Sprintf("payment settled, %d shares available; grant can be retried", prop.AvailableShares),
		}, nil
	}
	return Advice{
		Action: ActionRefundRequired,
		Detail: fmt.Sprintf("payment of %s settled, only %d shares available; operator refund required", cost, prop.AvailableShares),
	}, nil
}
