package errors

import (
	"errors"
	"fmt"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeState       ErrorType = "invalid_state"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeScope       ErrorType = "scope_violation"
	ErrorTypePersistence ErrorType = "persistence"
	ErrorTypeSnapshot    ErrorType = "snapshot"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeConflict    ErrorType = "conflict"
)

// AppError represents a structured application error
type AppError struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors

func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:      ErrorTypeValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// NewInvalidStateError reports a lifecycle transition attempted from the
// wrong status, e.g. granting a permission that is not pending.
func NewInvalidStateError(code, message string) *AppError {
	return &AppError{
		Type:      ErrorTypeState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:      ErrorTypeNotFound,
		Code:      "RESOURCE_NOT_FOUND",
		Message:   fmt.Sprintf("%s not found", resource),
		Retryable: false,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeConflict,
		Code:      "CONFLICT",
		Message:   message,
		Retryable: false,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeInternal,
		Code:      "INTERNAL_ERROR",
		Message:   message,
		Retryable: true,
	}
}

// NewPersistenceError reports a failed store write. The transition that
// triggered the write must be rolled back entirely by the caller.
func NewPersistenceError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypePersistence,
		Code:      "PERSISTENCE_FAILURE",
		Message:   message,
		Retryable: true,
	}
}

// NewSnapshotError reports a failed market data fetch. The evaluation tick
// is skipped rather than running against a fabricated snapshot.
func NewSnapshotError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeSnapshot,
		Code:      "SNAPSHOT_UNAVAILABLE",
		Message:   message,
		Retryable: true,
	}
}

// Predefined common errors
var (
	ErrPermissionNotFound = NewNotFoundError("permission")
	ErrRuleNotFound       = NewNotFoundError("rule")

	// Idempotent no-ops, not hard failures.
	ErrAlreadyRevoked = &AppError{
		Type:      ErrorTypeState,
		Code:      "ALREADY_REVOKED",
		Message:   "permission is already revoked",
		Retryable: false,
	}
	ErrAlreadyExpired = &AppError{
		Type:      ErrorTypeState,
		Code:      "ALREADY_EXPIRED",
		Message:   "permission is already expired",
		Retryable: false,
	}
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsAlreadyRevoked reports whether err is the AlreadyRevoked no-op.
func IsAlreadyRevoked(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == "ALREADY_REVOKED"
}

// IsAlreadyExpired reports whether err is the AlreadyExpired no-op.
func IsAlreadyExpired(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == "ALREADY_EXPIRED"
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}
