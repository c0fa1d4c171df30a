package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrWalletInactive      = fmt.Errorf("wallet inactive: %w", ErrNotFound)
	ErrConflict            = errors.New("transaction already processed")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrSelfTransfer        = errors.New("cannot transfer to own wallet")
	ErrAmountMismatch      = errors.New("processor amount does not match ledger amount")
	ErrGatewayUnavailable  = errors.New("settlement gateway unavailable")
	ErrGatewayRejected     = errors.New("settlement gateway rejected request")
	ErrAuthentication      = errors.New("signature verification failed")
	ErrExhaustedAttempts   = errors.New("exhausted attempts")
)

// ConflictError is returned when an idempotency key is already bound. It
// carries the prior outcome so callers can answer the replay without
// re-executing anything.
type ConflictError struct {
	Reference     string
	TransactionID int64
	Status        Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: reference %s", ErrConflict, e.Reference)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Invalid wraps ErrValidation with a caller-facing message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
