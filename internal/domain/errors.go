package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	// ErrConflict reports a transition that would violate the job state machine.
	// It never leaves the orchestration layer.
	ErrConflict        = errors.New("conflict")
	ErrProviderFailure = errors.New("provider failure")
)

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// AuthError reports a failed credential exchange with the provider.
type AuthError struct {
	Cause error
}

func (e *AuthError) Error() string {
	if e.Cause == nil {
		return "provider authentication failed"
	}
	return "provider authentication failed: " + e.Cause.Error()
}

func (e *AuthError) Unwrap() error { return e.Cause }

// ProviderError reports a provider rejection (Transient false) or an
// unreachable provider (Transient true).
type ProviderError struct {
	Code      int
	Message   string
	Transient bool
	Cause     error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("provider error (%d): %s", e.Code, msg)
	}
	if e.Transient {
		return "provider unavailable: " + msg
	}
	return "provider error: " + msg
}

func (e *ProviderError) Unwrap() error { return e.Cause }

func (e *ProviderError) Is(target error) bool { return target == ErrProviderFailure }

// IsTransient reports whether err is a ProviderError the caller may retry.
func IsTransient(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Transient
}
