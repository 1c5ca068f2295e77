/*
attempt.go - Purchase attempt state machine

PURPOSE:
  An Attempt tracks one buy request through the two-step protocol:

    Requested → TransferPending → TransferConfirmed → GrantPending → Completed
                      │                                     │
                      ▼                                     ▼
               TransferFailed                 GrantFailedTransferSettled
               (terminal, clean)              (terminal, INCONSISTENT)

  Attempts are coordinator-local and ephemeral: created when a buy is
  requested, owned exclusively by that request, and dropped once terminal.
  They are never persisted by either ledger and do not survive a restart.

SEE ALSO:
  - coordinator.go: drives the transitions
*/
package purchase

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brix/market-engine/ledger"
	"github.com/brix/market-engine/registry"
)

// =============================================================================
// STATES
// =============================================================================

type State string

const (
	StateRequested                  State = "requested"
	StateTransferPending            State = "transfer_pending"
	StateTransferConfirmed          State = "transfer_confirmed"
	StateGrantPending               State = "grant_pending"
	StateCompleted                  State = "completed"
	StateTransferFailed             State = "transfer_failed"
	StateGrantFailedTransferSettled State = "grant_failed_transfer_settled"
)

// IsTerminal reports whether the state ends the attempt.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateTransferFailed, StateGrantFailedTransferSettled:
		return true
	}
	return false
}

// validTransitions encodes the protocol. Anything not listed is a bug.
// GrantFailedTransferSettled → Completed is the advisor's repair path: a
// retried grant landed with payment already settled.
var validTransitions = map[State][]State{
	StateRequested:                  {StateTransferPending, StateTransferFailed},
	StateTransferPending:            {StateTransferConfirmed, StateTransferFailed},
	StateTransferConfirmed:          {StateGrantPending},
	StateGrantPending:               {StateCompleted, StateGrantFailedTransferSettled},
	StateGrantFailedTransferSettled: {StateCompleted},
}

// =============================================================================
// ATTEMPT
// =============================================================================

// Attempt is the coordinator's record of one in-flight purchase.
type Attempt struct {
	ID         string
	Buyer      ledger.Identity
	PropertyID registry.PropertyID
	Shares     uint64
	UnitPrice  ledger.Amount
	Cost       ledger.Amount // computed at request time; shares × unit price
	State      State
	StartedAt  time.Time

	TransferErr error // set when State is StateTransferFailed
	GrantErr    error // set when State is StateGrantFailedTransferSettled
}

func newAttempt(buyer ledger.Identity, propertyID registry.PropertyID, shares uint64, unitPrice ledger.Amount) *Attempt {
	return &Attempt{
		ID:         uuid.NewString(),
		Buyer:      buyer,
		PropertyID: propertyID,
		Shares:     shares,
		UnitPrice:  unitPrice,
		Cost:       unitPrice.MulUint64(shares),
		State:      StateRequested,
		StartedAt:  time.Now().UTC(),
	}
}

// transition moves the attempt to the next state, panicking on a transition
// the protocol does not allow: reaching one is a coordinator bug, not a
// runtime condition.
func (a *Attempt) transition(to State) {
	for _, allowed := range validTransitions[a.State] {
		if allowed == to {
			a.State = to
			return
		}
	}
	panic(fmt.Sprintf("purchase: illegal transition %s → %s for attempt %s", a.State, to, a.ID))
}

// Outcome is the successful result of BuyShares.
type Outcome struct {
	AttemptID  string
	PropertyID registry.PropertyID
	Shares     uint64
	Cost       ledger.Amount
}
