package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("ledger: not found")
	ErrInvalidNumber   = errors.New("ledger: invalid number")
	ErrRaffleClosed    = errors.New("ledger: raffle is closed")
	ErrNotHolder       = errors.New("ledger: caller does not hold the charge")
	ErrIncompleteBuyer = errors.New("ledger: buyer name and phone are required")

	// ErrAlreadyHeld means another holder owns the number. Recoverable: the
	// user picks another number.
	ErrAlreadyHeld = errors.New("ledger: number already held")

	// ErrStaleSelection means at least one number of a batch was no longer
	// held by the caller when the batch was bound. Nothing was bound.
	ErrStaleSelection = errors.New("ledger: stale selection")

	// ErrProviderUnavailable wraps payment provider failures. Bound rows have
	// already been released when this is returned.
	ErrProviderUnavailable = errors.New("ledger: payment provider unavailable")

	// ErrExpiredCharge is returned when a holder acts on a charge whose
	// payment window elapsed; its numbers have been released.
	ErrExpiredCharge = errors.New("ledger: payment window elapsed")
)

// StaleSelectionError lists the numbers that were raced away.
type StaleSelectionError struct {
	Numbers []string
}

func (e *StaleSelectionError) Error() string {
	return fmt.Sprintf("ledger: stale selection: %s no longer held", strings.Join(e.Numbers, ","))
}

func (e *StaleSelectionError) Unwrap() error {
	return ErrStaleSelection
}

// IsContention reports errors the user resolves by picking again.
func IsContention(err error) bool {
	return errors.Is(err, ErrAlreadyHeld) || errors.Is(err, ErrStaleSelection)
}

// IsRetryable reports errors that may succeed on a later attempt without
// user action.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
