package booking

import (
	"errors"
	"fmt"
)

// Business failures returned by the booking service.
var (
	ErrClassNotFound        = errors.New("class not found")
	ErrBookingNotFound      = errors.New("booking not found")
	ErrAlreadyBooked        = errors.New("already booked")
	ErrNoCreditsAvailable   = errors.New("no credits available")
	ErrClassFull            = errors.New("class full")
	ErrNoStationAvailable   = errors.New("no station available")
	ErrDuplicatePayment     = errors.New("duplicate payment reference")
	ErrCreditBounds         = errors.New("credit batch bounds violated")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// Validation failures for domain values.
var (
	ErrInvalidCustomerID       = errors.New("invalid customer id")
	ErrInvalidClassID          = errors.New("invalid class id")
	ErrInvalidBookingID        = errors.New("invalid booking id")
	ErrInvalidBatchID          = errors.New("invalid batch id")
	ErrInvalidPaymentReference = errors.New("invalid payment reference")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidClass            = errors.New("invalid class")
	ErrInvalidCreditAmount     = errors.New("invalid credit amount")
	ErrInvalidCreditEntryType  = errors.New("invalid credit entry type")
	ErrInvalidListLimit        = errors.New("invalid list limit")
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

// IsBusinessError reports whether err is one of the expected booking outcomes
// rather than a system fault.
func IsBusinessError(err error) bool {
	for _, known := range []error{
		ErrClassNotFound,
		ErrBookingNotFound,
		ErrAlreadyBooked,
		ErrNoCreditsAvailable,
		ErrClassFull,
		ErrNoStationAvailable,
		ErrDuplicatePayment,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
