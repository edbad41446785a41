// Package errors provides the error model shared by the cache, query and
// response layers. Every failure that crosses a package boundary is a
// UnifiedError carrying a type, a stable code and enough context to decide
// whether the operation may be retried.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorType defines the category of error for proper handling and response.
type ErrorType string

const (
	// Caller errors
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"

	// I/O errors against databases, caches and remote services
	ErrorTypeTransientIO      ErrorType = "TRANSIENT_IO"
	ErrorTypePermanentIO      ErrorType = "PERMANENT_IO"
	ErrorTypeCacheUnavailable ErrorType = "CACHE_BACKEND_UNAVAILABLE"

	ErrorTypeInternal ErrorType = "INTERNAL"
)

// ErrorSeverity defines the severity level for logging and monitoring.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "LOW"
	SeverityMedium   ErrorSeverity = "MEDIUM"
	SeverityHigh     ErrorSeverity = "HIGH"
	SeverityCritical ErrorSeverity = "CRITICAL"
)

// UnifiedError is the single error type used across the performance layer.
type UnifiedError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`

	Operation string `json:"operation,omitempty"`
	Resource  string `json:"resource,omitempty"` // query label, endpoint or cache key
	RequestID string `json:"requestId,omitempty"`

	Severity  ErrorSeverity `json:"severity"`
	Retryable bool          `json:"retryable"`
	Attempts  int           `json:"attempts,omitempty"`
	Cause     error         `json:"-"`

	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e *UnifiedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s] %s", e.Type, e.Code, e.Message)
	if e.Details != "" {
		b.WriteString(": ")
		b.WriteString(e.Details)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s", e.Resource)
		if e.Attempts > 0 {
			fmt.Fprintf(&b, ", attempts=%d", e.Attempts)
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap allows errors.Is and errors.As to work with the underlying cause.
func (e *UnifiedError) Unwrap() error {
	return e.Cause
}

// ErrorBuilder provides a fluent interface for constructing UnifiedError instances.
type ErrorBuilder struct {
	error *UnifiedError
}

// NewError creates a new error builder with the specified type and message.
func NewError(errType ErrorType, code, message string) *ErrorBuilder {
	_, file, line, _ := runtime.Caller(1)

	return &ErrorBuilder{
		error: &UnifiedError{
			Type:     errType,
			Code:     code,
			Message:  message,
			Severity: SeverityMedium,
			File:     file,
			Line:     line,
		},
	}
}

func (b *ErrorBuilder) WithDetails(details string) *ErrorBuilder {
	b.error.Details = details
	return b
}

func (b *ErrorBuilder) WithOperation(operation string) *ErrorBuilder {
	b.error.Operation = operation
	return b
}

func (b *ErrorBuilder) WithResource(resource string) *ErrorBuilder {
	b.error.Resource = resource
	return b
}

func (b *ErrorBuilder) WithRequestID(requestID string) *ErrorBuilder {
	b.error.RequestID = requestID
	return b
}

func (b *ErrorBuilder) WithSeverity(severity ErrorSeverity) *ErrorBuilder {
	b.error.Severity = severity
	return b
}

func (b *ErrorBuilder) WithRetryable(retryable bool) *ErrorBuilder {
	b.error.Retryable = retryable
	return b
}

// WithAttempts records how many times the operation ran before giving up.
func (b *ErrorBuilder) WithAttempts(attempts int) *ErrorBuilder {
	b.error.Attempts = attempts
	return b
}

func (b *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	b.error.Cause = cause
	return b
}

// Build returns the constructed UnifiedError.
func (b *ErrorBuilder) Build() *UnifiedError {
	return b.error
}

// Validation creates a validation error. Validation errors are never retried.
func Validation(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeValidation, code, message).
		WithSeverity(SeverityLow).
		WithRetryable(false)
}

func NotFound(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeNotFound, code, message).
		WithSeverity(SeverityLow).
		WithRetryable(false)
}

// TransientIO creates an error for a failure that may succeed on retry:
// timeouts, dropped connections, throttling.
func TransientIO(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeTransientIO, code, message).
		WithSeverity(SeverityMedium).
		WithRetryable(true)
}

// PermanentIO creates an error for a failure that retrying cannot fix.
func PermanentIO(code, message string) *ErrorBuilder {
	return NewError(ErrorTypePermanentIO, code, message).
		WithSeverity(SeverityHigh).
		WithRetryable(false)
}

// CacheUnavailable is raised internally when a networked cache backend cannot
// be reached. It never reaches callers of the cache manager; the failover
// store converts it into a fallback to memory.
func CacheUnavailable(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeCacheUnavailable, code, message).
		WithSeverity(SeverityHigh).
		WithRetryable(true)
}

func Internal(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeInternal, code, message).
		WithSeverity(SeverityHigh).
		WithRetryable(false)
}

// IsType checks if an error is of a specific type.
func IsType(err error, errType ErrorType) bool {
	var unifiedErr *UnifiedError
	if errors.As(err, &unifiedErr) {
		return unifiedErr.Type == errType
	}
	return false
}

func IsValidation(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var unifiedErr *UnifiedError
	if errors.As(err, &unifiedErr) {
		return unifiedErr.Retryable
	}
	return false
}

// GetSeverity returns the severity of an error.
func GetSeverity(err error) ErrorSeverity {
	var unifiedErr *UnifiedError
	if errors.As(err, &unifiedErr) {
		return unifiedErr.Severity
	}
	return SeverityMedium
}

// Wrap wraps an existing error with additional context while preserving the
// original error chain. Errors that are not already UnifiedErrors are
// classified first so the wrapped error keeps the right retry semantics.
func Wrap(err error, operation, message string) *UnifiedError {
	if err == nil {
		return nil
	}

	var existing *UnifiedError
	if errors.As(err, &existing) {
		return &UnifiedError{
			Type:      existing.Type,
			Code:      existing.Code,
			Message:   message,
			Details:   existing.Message,
			Operation: operation,
			Resource:  existing.Resource,
			RequestID: existing.RequestID,
			Severity:  existing.Severity,
			Retryable: existing.Retryable,
			Attempts:  existing.Attempts,
			Cause:     err,
			File:      existing.File,
			Line:      existing.Line,
		}
	}

	_, file, line, _ := runtime.Caller(1)
	errType := Classify(err)
	return &UnifiedError{
		Type:      errType,
		Code:      "WRAP_ERROR",
		Message:   message,
		Operation: operation,
		Severity:  SeverityMedium,
		Retryable: errType == ErrorTypeTransientIO,
		Cause:     err,
		File:      file,
		Line:      line,
	}
}

// Annotate attaches the resource (query label, endpoint) and attempt count to
// an error returned after retries were exhausted.
func Annotate(err error, operation, resource string, attempts int) *UnifiedError {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, operation, fmt.Sprintf("%s failed", operation))
	wrapped.Resource = resource
	wrapped.Attempts = attempts
	return wrapped
}
