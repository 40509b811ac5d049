package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflicting update")
)

// Failure classes used to decide retry and propagation.
var (
	// ErrConfig is a missing credential or invalid setting. Never retried.
	ErrConfig = errors.New("configuration error")
	// ErrTransient is a network failure, timeout or 5xx. Retried a bounded number of times.
	ErrTransient = errors.New("transient error")
	// ErrMalformedResponse is a model reply that is not the expected JSON. Fatal for the step.
	ErrMalformedResponse = errors.New("malformed model response")
	// ErrInput is a per-item input problem (unreadable page, bad file). Skipped where it occurs.
	ErrInput = errors.New("input error")
	// ErrInvalidTransition is a review status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsRetryable reports whether err belongs to a class that may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConfig) || errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrValidation) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
