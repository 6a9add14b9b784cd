package ledger

import "errors"

var (
	// ErrInsufficientBalance is returned under the HARD policy when a debit would go below zero
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateTransaction is returned when an idempotency key was already used
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrInvalidAmount is returned for non-positive credit amounts
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidKind is returned when a credit uses a debit kind or vice versa
	ErrInvalidKind = errors.New("invalid transaction kind")

	// ErrWalletNotFound is returned when adjusting a wallet that does not exist
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrUnknownPolicy is returned by ParsePolicy
	ErrUnknownPolicy = errors.New("unknown wallet policy")
)
