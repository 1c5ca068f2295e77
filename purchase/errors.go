/*
errors.go - Purchase error taxonomy

PURPOSE:
  Every way a purchase can go wrong falls into exactly one category, and the
  category decides what the caller may safely do next:

  1. Validation errors (InvalidRequestError) - rejected before any ledger
     call. No side effect. Fix the input and retry freely.
  2. Ledger-reported business errors (TransferFailedError) - the transfer
     definitively did not happen. No side effect. Retry freely.
  3. Consistency errors (GrantFailedError) - payment settled but no shares
     were granted. The ONE category that must never be hidden or blindly
     retried; it carries everything an operator needs to reconcile by hand.
  4. Indeterminate errors (IndeterminateError) - transport failed mid-call.
     The operation may or may not have executed. Do not retry automatically.

SEE ALSO:
  - coordinator.go: where each category is produced
  - advisor.go: the recovery policy for category 3
*/
package purchase

import (
	"errors"
	"fmt"

	"github.com/brix/market-engine/ledger"
	"github.com/brix/market-engine/registry"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAttemptInProgress is returned when a purchase is requested for a
	// (buyer, property) pair that already has an attempt outstanding.
	ErrAttemptInProgress = errors.New("purchase attempt already in progress")

	// ErrInvalidRequest groups all pre-flight validation failures.
	ErrInvalidRequest = errors.New("invalid purchase request")

	// ErrTransferFailed groups purchases refused by the token ledger.
	ErrTransferFailed = errors.New("token transfer failed")

	// ErrGrantFailedTransferSettled marks the inconsistent outcome: payment
	// left the buyer's account but no shares were granted.
	ErrGrantFailedTransferSettled = errors.New("share grant failed after transfer settled")

	// ErrIndeterminate marks an unknown outcome. The failed call may have
	// executed; nothing may be assumed or automatically retried.
	ErrIndeterminate = errors.New("purchase outcome indeterminate")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidRequestError reports a validation failure. No ledger was called.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid purchase request: %s", e.Reason)
}

func (e *InvalidRequestError) Unwrap() error { return ErrInvalidRequest }

// TransferFailedError reports that the token ledger refused the payment.
// Reason is the ledger's error, surfaced verbatim. No side effect occurred.
type TransferFailedError struct {
	Buyer      ledger.Identity
	PropertyID registry.PropertyID
	Cost       ledger.Amount
	Reason     error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("transfer of %s for property %d failed: %v", e.Cost, e.PropertyID, e.Reason)
}

func (e *TransferFailedError) Unwrap() error { return ErrTransferFailed }

// GrantFailedError reports the inconsistent outcome: the buyer paid
// AmountSettled but received no shares. It carries enough detail for manual
// reconciliation and the Advisor's recommendation on what to do next.
type GrantFailedError struct {
	Buyer           ledger.Identity
	PropertyID      registry.PropertyID
	SharesRequested uint64
	AmountSettled   ledger.Amount
	Reason          error
	Advice          Advice
}

func (e *GrantFailedError) Error() string {
	return fmt.Sprintf("buyer %s settled %s for property %d but grant of %d shares failed: %v (advice: %s)",
		e.Buyer, e.AmountSettled, e.PropertyID, e.SharesRequested, e.Reason, e.Advice.Action)
}

func (e *GrantFailedError) Unwrap() error { return ErrGrantFailedTransferSettled }

// Stage names the ledger call whose outcome is unknown.
type Stage string

const (
	StageTransfer Stage = "transfer"
	StageGrant    Stage = "grant"
)

// IndeterminateError reports a call that failed in a way that does not prove
// it did not execute. When Stage is StageGrant, payment has already settled.
type IndeterminateError struct {
	Stage Stage
	Err   error
}

func (e *IndeterminateError) Error() string {
	return fmt.Sprintf("%s outcome unknown, do not retry automatically: %v", e.Stage, e.Err)
}

func (e *IndeterminateError) Unwrap() error { return ErrIndeterminate }

// IsRecoverable reports whether the caller can safely retry after adjusting
// input: no side effect has occurred.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrTransferFailed) ||
		errors.Is(err, ErrAttemptInProgress)
}
