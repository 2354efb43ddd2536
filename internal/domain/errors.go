package domain

import "errors"

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrTransferFailed      = errors.New("custody transfer failed")
	// ErrTransferUnconfirmed means a transfer was submitted but its outcome
	// is unknown. Funds may have moved.
	ErrTransferUnconfirmed = errors.New("custody transfer unconfirmed")
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAlreadyWithdrawn    = errors.New("position already withdrawn")
	ErrLockNotExpired      = errors.New("lock duration not expired")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientReserve = errors.New("insufficient reserve")
	ErrPositionExists      = errors.New("owner already has an active position")
	ErrInvalidParams       = errors.New("invalid ledger parameters")
	ErrInvariantViolated   = errors.New("ledger invariant violated")
	ErrAlreadyExists       = errors.New("already exists")
	ErrLockHeld            = errors.New("lock already held")
)

// IsUnconfirmed reports whether err belongs to an operation that was
// committed while its custody transfer is still unconfirmed.
func IsUnconfirmed(err error) bool {
	return errors.Is(err, ErrTransferUnconfirmed) && !errors.Is(err, ErrTransferFailed)
}
