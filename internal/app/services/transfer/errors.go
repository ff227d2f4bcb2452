package transfer

import "errors"

// The engine's failure taxonomy. Business-rule failures are terminal and never
// retried; only lock contention is recovered internally, surfacing as
// ErrSystemCongestion once the attempt budget is spent. Callers discriminate
// with errors.Is.
var (
	// ErrInvalidRequest covers malformed input: self-transfer, non-positive
	// or over-precise amounts, oversized descriptions, limit violations.
	ErrInvalidRequest = errors.New("invalid transfer request")

	// ErrAccountUnavailable covers a missing, inactive, blocked or locked
	// party on either side.
	ErrAccountUnavailable = errors.New("account unavailable")

	// ErrInsufficientFunds means the sender's balance, re-checked under the
	// row lock, cannot cover amount plus commission.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateRequest means the idempotency key was already recorded; the
	// original submission is the one that executed.
	ErrDuplicateRequest = errors.New("duplicate transfer request")

	// ErrSystemCongestion means the contention retry budget is exhausted. The
	// caller may resubmit, ideally with the same idempotency key.
	ErrSystemCongestion = errors.New("transfer failed due to system congestion")
)
