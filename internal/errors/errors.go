package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrQueueFull        = errors.New("queue full")
	ErrSameSpec         = errors.New("same-spec conflict")
	ErrInternalError    = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeSchema    ErrorType = "schema"    // compile-time blocker: spec shape/type wrong
	ErrorTypeCompile   ErrorType = "compile"   // compile-time blocker: unknown capability/verb, bad selector
	ErrorTypeRuntime   ErrorType = "runtime"   // execution: driver returned failure
	ErrorTypeTransport ErrorType = "transport" // execution: driver unreachable
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeNotFound  ErrorType = "not_found"
	ErrorTypeInternal  ErrorType = "internal"
)

// OrchestratorError is a structured error for policy and driver operations
type OrchestratorError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "compile", "invoke", "discover")
	Host      string // Host ID where the error occurred
	Target    string // Target canonical ID if applicable
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *OrchestratorError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s failed on %s/%s: %v", e.Op, e.Host, e.Target, e.Err)
	}
	if e.Host != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *OrchestratorError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeTransport
	case ErrInvalidInput:
		return e.Type == ErrorTypeSchema || e.Type == ErrorTypeCompile
	}

	return errors.Is(e.Err, target)
}

// NewOrchestratorError creates a new OrchestratorError
func NewOrchestratorError(errorType ErrorType, op, host string, err error) *OrchestratorError {
	return &OrchestratorError{
		Type:      errorType,
		Op:        op,
		Host:      host,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithTarget adds target information to the error
func (e *OrchestratorError) WithTarget(target string) *OrchestratorError {
	e.Target = target
	return e
}

// isRetryable determines if an error class may be retried by a driver.
// The engine itself never retries above the driver; this classification
// exists for drivers and for operator-facing detail.
func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransport, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// Is reports whether any error in err's chain matches target. Exposed
// so callers of this package do not also need the stdlib errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain matching target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Helper constructors

// WrapTransportError wraps a driver-unreachable error with context
func WrapTransportError(op, host string, err error) error {
	return NewOrchestratorError(ErrorTypeTransport, op, host, err)
}

// WrapRuntimeError wraps a driver-reported failure with context
func WrapRuntimeError(op, host string, err error) error {
	return NewOrchestratorError(ErrorTypeRuntime, op, host, err)
}

// WrapCompileError wraps a compilation failure with context
func WrapCompileError(op string, err error) error {
	return NewOrchestratorError(ErrorTypeCompile, op, "", err)
}

// IsRetryableError checks if an error may be retried
func IsRetryableError(err error) bool {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// IsTransportError checks if an error means the driver was unreachable
func IsTransportError(err error) bool {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.Type == ErrorTypeTransport
	}
	return errors.Is(err, ErrConnectionFailed)
}

// SameSpecError signals that a policy submission duplicates an existing
// policy's canonical hash. It carries the existing policy's ID.
type SameSpecError struct {
	ExistingID string
	Hash       string
}

func (e *SameSpecError) Error() string {
	return fmt.Sprintf("spec already exists as policy %s (hash %s)", e.ExistingID, e.Hash)
}

func (e *SameSpecError) Is(target error) bool {
	return target == ErrSameSpec
}
