package ledger

import "errors"

// Sentinel errors surfaced to callers.
var (
	// ErrInsufficientCredits means the debit would exceed the allotment plus
	// the configured overdraft margin. User-facing, never retried.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrLedgerUnavailable means storage kept failing past the bounded retry
	// budget. Transient; callers surface it as a server error.
	ErrLedgerUnavailable = errors.New("ledger: storage unavailable")

	ErrInvalidAmount         = errors.New("ledger: amount must be positive")
	ErrMissingIdempotencyKey = errors.New("ledger: idempotency key required")
)
