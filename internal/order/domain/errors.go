package domain

import "errors"

// Closed error taxonomy for lifecycle transitions. Callers classify
// with errors.Is instead of sniffing message text.
var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidState      = errors.New("invalid state transition")
	ErrForbidden         = errors.New("actor not permitted for this transition")
	ErrDeadlineExpired   = errors.New("commit deadline expired")
	ErrReferenceMismatch = errors.New("payment reference mismatch")
)

// Creation-time validation failures.
var (
	ErrMissingParty    = errors.New("buyer, seller and book are required")
	ErrSelfPurchase    = errors.New("buyer and seller must differ")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrBookUnavailable = errors.New("book is not available")
)
