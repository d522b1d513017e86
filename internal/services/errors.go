package services

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrResourceNotFound = fmt.Errorf("resource %w", ErrNotFound)
	ErrBookingNotFound  = fmt.Errorf("booking %w", ErrNotFound)

	ErrSlotUnavailable          = errors.New("slot unavailable")
	ErrCancellationWindowClosed = errors.New("cancellation window closed")
	ErrIllegalTransition        = errors.New("illegal status transition")
	ErrAlreadyInState           = errors.New("booking already in requested status")
	ErrAlreadyCancelled         = fmt.Errorf("booking already cancelled: %w", ErrAlreadyInState)

	ErrUnauthorized        = errors.New("not authorized")
	ErrPaymentRejected     = errors.New("payment rejected")
	ErrGenerationExhausted = errors.New("could not generate a unique booking reference")
	ErrStorage             = errors.New("storage unavailable")
)

// ValidationError names the offending input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
