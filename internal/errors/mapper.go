package errors

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

// ErrorMapper maps external errors to the rocker error taxonomy
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
}

// DefaultErrorMapper implements ErrorMapper over errno values and sentinels
type DefaultErrorMapper struct{}

// NewDefaultErrorMapper creates a new error mapper
func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError classifies an error that is not already part of the taxonomy.
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if m.Category(err) != "Unknown" {
		return err
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EAGAIN, syscall.EINTR, syscall.EBUSY:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		case syscall.ENOENT:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case syscall.EINVAL:
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		default:
			return fmt.Errorf("%w: %w", ErrSystem, err)
		}
	}

	return fmt.Errorf("%w: %w", ErrInternal, err)
}

// IsRetryable determines if an error should trigger a retry
func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	return IsRetryable(m.MapError(err))
}

// Category returns the taxonomy name of an error, used as a log attribute
func (m *DefaultErrorMapper) Category(err error) string {
	return Category(err)
}

// Category returns the taxonomy name of an error.
func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrMalformedRequest):
		return "ErrMalformedRequest"
	case errors.Is(err, ErrGuardLifecycle):
		return "ErrGuardLifecycle"
	case errors.Is(err, ErrDuplicate):
		return "ErrDuplicate"
	case errors.Is(err, ErrNotReady):
		return "ErrNotReady"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	case errors.Is(err, ErrSystem):
		return "ErrSystem"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// InvalidInput wraps error as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Malformed wraps error as malformed request
func Malformed(message string) error {
	return fmt.Errorf("%s: %w", message, ErrMalformedRequest)
}

// NotReady wraps error as not ready
func NotReady(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotReady)
}

// NotFound wraps error as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Internal wraps error as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// System records the failing operation and keeps the errno reachable through errors.Is.
func System(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrSystem, err)
}

// IsRetryable checks if an error is transient, indicating it can be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
