package engine

import (
	"errors"
)

// Sentinel errors of the cascade. Call sites wrap them with fmt.Errorf
// and %w so Classify can map any error in a chain to its wire code.
var (
	// ErrValidation marks caller bugs: bad slot, bad amount, bad currency.
	// Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing user, referrer, or record.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyActive marks state conflicts: slot already active or user
	// already in the program.
	ErrAlreadyActive = errors.New("already active")
	// ErrInsufficientFunds marks a reserve or wallet balance that cannot
	// cover a direct debit path.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrOutOfSequence marks an upgrade that skips a slot.
	ErrOutOfSequence = errors.New("out of sequence")
	// ErrTransient marks storage timeouts and lock conflicts; the event
	// survives in its queue and is retried with backoff.
	ErrTransient = errors.New("transient failure")
	// ErrInvariant marks a detected invariant violation. The transaction
	// aborts, nothing commits, and the item dead-letters.
	ErrInvariant = errors.New("invariant violation")
)

// Wire codes surfaced by the API layer.
const (
	CodeValidation        = "VALIDATION"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT_ALREADY_ACTIVE"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeOutOfSequence     = "OUT_OF_SEQUENCE"
	CodeTransient         = "TRANSIENT"
	CodeInternal          = "INTERNAL"
)

// Classify maps an error chain to its stable wire code.
func Classify(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyActive):
		return CodeConflict
	case errors.Is(err, ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ErrOutOfSequence):
		return CodeOutOfSequence
	case errors.Is(err, ErrTransient):
		return CodeTransient
	default:
		return CodeInternal
	}
}

// Retryable reports whether the error should be retried with backoff
// instead of surfacing as terminal.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
