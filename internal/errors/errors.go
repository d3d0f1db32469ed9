// Package errors provides the error code taxonomy for the sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies an error class carried across package boundaries.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrNotFound ErrorCode = "NOT_FOUND"
	ErrConfig   ErrorCode = "CONFIG_ERROR"

	// Queue errors
	ErrInvalidOperation  ErrorCode = "INVALID_OPERATION"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// A flush pass is already running; the request was coalesced into it.
	ErrBusy ErrorCode = "BUSY"

	// Local persistence errors. Fatal to the triggering call; the caller
	// hears about it synchronously so no enqueue is silently lost.
	ErrStorage ErrorCode = "STORAGE_ERROR"

	// Gateway errors
	ErrNetwork         ErrorCode = "NETWORK_ERROR"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrServerRejection ErrorCode = "SERVER_REJECTION"

	// Conflict errors
	ErrConflictDetected ErrorCode = "CONFLICT_DETECTED"
	ErrConflictRejected ErrorCode = "CONFLICT_REJECTED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error (or any error it wraps) carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf extracts the error code from an error chain. Errors without an
// AppError in the chain report ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether a failed send may be attempted again. Network
// faults and rate limits are transient; everything else is not.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrNetwork, ErrRateLimited:
		return true
	default:
		return false
	}
}
