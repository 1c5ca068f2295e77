/*
errors.go - Error types for the token ledger

PURPOSE:
  Sentinel errors for ledger-reported business failures plus structured
  errors carrying the context a caller needs to act on them. Callers match
  with errors.Is / errors.As; higher layers surface these reasons verbatim.

SEE ALSO:
  - ledger.go: where these errors are produced
  - purchase/errors.go: how the coordinator classifies them
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a transfer exceeds the sender's
	// authoritative balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidRecipient is returned when the recipient identity is malformed.
	ErrInvalidRecipient = errors.New("invalid recipient")

	// ErrInvalidAmount is returned when an amount is not a positive whole number.
	ErrInvalidAmount = errors.New("invalid amount")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports how far short the sender's balance fell.
type InsufficientBalanceError struct {
	Account   Identity
	Available Amount
	Requested Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %s, requested %s",
		e.Account, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// IsBusinessError reports whether err is a ledger-reported business failure,
// as opposed to a transport or availability problem. Business failures mean
// the operation definitively did not happen.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidRecipient) ||
		errors.Is(err, ErrInvalidAmount)
}
