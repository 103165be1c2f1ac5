// Package types defines the shared error taxonomy
package types

import (
	"errors"
	"fmt"
)

// Policy errors raised by the orchestration layer itself. Operation errors
// pass through to callers unchanged; these sentinels mark the orchestrator's
// own refusals to attempt or continue.
var (
	// ErrCircuitOpen indicates the circuit breaker for the target rejects the operation
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrBudgetExhausted indicates the device's retry budget has no headroom left
	ErrBudgetExhausted = errors.New("retry budget exhausted")

	// ErrOrchestratorClosed indicates the orchestrator has been closed
	ErrOrchestratorClosed = errors.New("orchestrator is closed")

	// ErrSessionNotFound indicates no session exists for the given ID
	ErrSessionNotFound = errors.New("retry session not found")

	// ErrInvalidContext indicates a retry context failed validation
	ErrInvalidContext = errors.New("invalid retry context")
)

// ErrorCategory groups operation error codes for retryability rules.
type ErrorCategory string

const (
	CategoryNetwork    ErrorCategory = "network"
	CategoryStorage    ErrorCategory = "storage"
	CategoryPermission ErrorCategory = "permission"
	CategoryCrypto     ErrorCategory = "crypto"
	CategoryUnknown    ErrorCategory = "unknown"
)

// Well-known operation error codes.
const (
	CodeStorageFull       = "STORAGE_FULL"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeTimeout           = "TIMEOUT"
)

// OperationError is the structured failure reported by sync operations.
// The retry layer reads Code, Category and Recoverable to decide whether to
// try again; it never rewrites or wraps the error on the way back to the
// caller.
type OperationError struct {
	// Code is a stable machine-readable identifier, e.g. "CONNECTION_TIMEOUT"
	Code string

	// Category is the broad failure class used when Code has no explicit rule
	Category ErrorCategory

	// Recoverable is the operation's own judgement, consulted only when no
	// category rule applies
	Recoverable bool

	// Err is the underlying cause, may be nil
	Err error
}

// Error implements the error interface
func (e *OperationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %v", e.Category, e.Code, e.Err)
	}
	return fmt.Sprintf("%s/%s", e.Category, e.Code)
}

// Unwrap returns the underlying error
func (e *OperationError) Unwrap() error {
	return e.Err
}

// NewOperationError creates an operation error
func NewOperationError(category ErrorCategory, code string, recoverable bool, cause error) *OperationError {
	return &OperationError{
		Code:        code,
		Category:    category,
		Recoverable: recoverable,
		Err:         cause,
	}
}

// AsOperationError extracts an OperationError from err's chain.
func AsOperationError(err error) (*OperationError, bool) {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr, true
	}
	return nil, false
}

// ErrorCode returns the operation error code in err's chain, or "" when err
// carries no OperationError.
func ErrorCode(err error) string {
	if opErr, ok := AsOperationError(err); ok {
		return opErr.Code
	}
	return ""
}
