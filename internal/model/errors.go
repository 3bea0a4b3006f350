package model

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientCredit = errors.New("ledger: insufficient credit")
	ErrInsufficientQuota  = errors.New("ledger: insufficient quota")
	ErrDuplicateReference = errors.New("ledger: duplicate reference")

	ErrUnknownAccount     = errors.New("ledger: unknown account")
	ErrUnknownListing     = errors.New("ledger: unknown listing")
	ErrUnknownResource    = errors.New("ledger: unknown resource")
	ErrUnknownOrder       = errors.New("ledger: unknown purchase order")
	ErrUnknownReservation = errors.New("ledger: unknown reservation")
	ErrUnknownModel       = errors.New("ledger: no pricing for model")

	ErrListingInactive   = errors.New("ledger: listing is not active")
	ErrResourceInactive  = errors.New("ledger: resource is not active")
	ErrReservationClosed = errors.New("ledger: reservation already closed")

	ErrValidation         = errors.New("ledger: validation failed")
	ErrForbidden          = errors.New("ledger: forbidden")
	ErrRateLimited        = errors.New("ledger: rate limit exceeded")
	ErrServiceUnavailable = errors.New("ledger: service unavailable")
)

// ValidationError represents a rejected input with details.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsNotFound reports whether err names a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownAccount) ||
		errors.Is(err, ErrUnknownListing) ||
		errors.Is(err, ErrUnknownResource) ||
		errors.Is(err, ErrUnknownOrder) ||
		errors.Is(err, ErrUnknownReservation) ||
		errors.Is(err, ErrUnknownModel)
}
