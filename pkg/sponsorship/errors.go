package sponsorship

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the sponsorship services.
//
// ErrInsufficientCredits is an expected outcome when a pool is exhausted and
// callers are expected to degrade to non-sponsored pricing.
// ErrInsufficientReserved and ErrLedgerOutOfBalance indicate a protocol
// violation in the caller's state tracking and must be surfaced loudly,
// never silently corrected.
var (
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrInsufficientReserved     = errors.New("insufficient reserved credits")
	ErrLedgerOutOfBalance       = errors.New("ledger out of balance")
	ErrAllocationNotFound       = errors.New("allocation not found")
	ErrAllocationArchived       = errors.New("allocation archived")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrReservationExists        = errors.New("reservation already exists")
	ErrAlreadyResolved          = errors.New("reservation already resolved")
	ErrReservationExpired       = errors.New("reservation expired")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionNotRefundable = errors.New("transaction not refundable")
	ErrInvalidID                = errors.New("invalid id")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsIntegrityViolation reports whether the error indicates a broken protocol
// invariant rather than a recoverable outcome. Callers route these to an
// operator alert instead of a user-facing message.
func IsIntegrityViolation(err error) bool {
	return errors.Is(err, ErrInsufficientReserved) || errors.Is(err, ErrLedgerOutOfBalance)
}
