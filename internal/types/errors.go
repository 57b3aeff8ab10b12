package types

import (
	"errors"
	"fmt"
)

var (
	ErrValidation                 = errors.New("validation failed")
	ErrInsufficientBalance        = errors.New("insufficient balance")
	ErrNoAvailablePlatformAddress = errors.New("no available platform address")
	ErrDuplicateActivePayment     = errors.New("sender already has an active payment")
	ErrStateMismatch              = errors.New("payment is not in the expected state")
	ErrPaymentNotFound            = errors.New("payment not found")
	ErrUnsupportedCellShape       = errors.New("unsupported cell shape")
	ErrPlatformCellMissing        = errors.New("platform address has no spendable cell")
	ErrHashMismatch               = errors.New("transaction hash mismatch")
	ErrChain                      = errors.New("ledger error")
	ErrInternal                   = errors.New("internal error")
)

// TransactionError is a ledger-side rejection, e.g. a JSON-RPC error returned by
// send_transaction. It matches ErrChain under errors.Is.
type TransactionError struct {
	Code    string
	Message string
	Err     error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

func (e *TransactionError) Is(target error) bool {
	return target == ErrChain
}

// Validationf wraps a formatted message in ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
