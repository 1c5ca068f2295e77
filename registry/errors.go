/*
errors.go - Error types for the property registry

PURPOSE:
  Sentinel errors for registry-reported business failures. These are
  surfaced verbatim through the purchase path; the coordinator relies on
  errors.Is matching to tell a business refusal (operation definitively did
  not happen) from a transport failure (outcome unknown).
*/
package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProperty is returned when the property id is not registered.
	ErrUnknownProperty = errors.New("unknown property")

	// ErrNotEnoughAvailableShares is returned when a purchase asks for more
	// shares than remain on sale. The check is atomic with the decrement, so
	// this is also how a lost race against a concurrent buyer surfaces.
	ErrNotEnoughAvailableShares = errors.New("not enough available shares")

	// ErrNotEnoughShares is returned when a holder transfers more shares
	// than they own.
	ErrNotEnoughShares = errors.New("not enough shares held")

	// ErrNotAuthorized is returned when the acting account holds no position
	// in the property.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidShares is returned when a share count is zero.
	ErrInvalidShares = errors.New("share count must be positive")

	// ErrInvalidSpec is returned when a property spec fails validation.
	ErrInvalidSpec = errors.New("invalid property spec")
)

// NotEnoughAvailableSharesError reports how supply fell short.
type NotEnoughAvailableSharesError struct {
	PropertyID PropertyID
	Available  uint64
	Requested  uint64
}

func (e *NotEnoughAvailableSharesError) Error() string {
	return fmt.Sprintf("property %d: not enough available shares: available %d, requested %d",
		e.PropertyID, e.Available, e.Requested)
}

func (e *NotEnoughAvailableSharesError) Unwrap() error {
	return ErrNotEnoughAvailableShares
}

// IsBusinessError reports whether err is a registry-reported business
// failure rather than a transport problem.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrUnknownProperty) ||
		errors.Is(err, ErrNotEnoughAvailableShares) ||
		errors.Is(err, ErrNotEnoughShares) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrInvalidShares) ||
		errors.Is(err, ErrInvalidSpec)
}
