// Package errors provides a structured error system for the groups exporter with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for exporter operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Upstream errors
	ErrCodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrCodeUpstreamRejected    ErrorCode = "UPSTREAM_REJECTED"
	ErrCodeUpstreamQuery       ErrorCode = "UPSTREAM_QUERY"
	ErrCodeMalformedResponse   ErrorCode = "MALFORMED_RESPONSE"

	// Operation errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	// Internal errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryUpstream      ErrorCategory = "upstream"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// ExporterError represents a structured error with context and metadata.
type ExporterError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// DetailRetryAfter holds the time.Duration an upstream asked the caller to
// wait before retrying.
const DetailRetryAfter = "retry_after"

// Error implements the error interface.
func (e *ExporterError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *ExporterError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *ExporterError) Is(target error) bool {
	if other, ok := target.(*ExporterError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *ExporterError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("ExporterError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new exporter error with default values.
func NewError(code ErrorCode, message string) *ExporterError {
	return &ExporterError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Retryable: IsRetryableByDefault(code),
	}
}

// Sentinel values usable as errors.Is targets.
var (
	ErrUpstreamUnavailable = &ExporterError{Code: ErrCodeUpstreamUnavailable}
	ErrUpstreamRejected    = &ExporterError{Code: ErrCodeUpstreamRejected}
	ErrUpstreamQuery       = &ExporterError{Code: ErrCodeUpstreamQuery}
	ErrMalformedResponse   = &ExporterError{Code: ErrCodeMalformedResponse}
	ErrInvalidConfig       = &ExporterError{Code: ErrCodeInvalidConfig}
)

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "UPSTREAM_") || strings.HasPrefix(codeStr, "MALFORMED_"):
		return CategoryUpstream
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	return code == ErrCodeUpstreamUnavailable
}

// WithDetail adds detailed information to an error
func (e *ExporterError) WithDetail(key string, value interface{}) *ExporterError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *ExporterError) WithComponent(component string) *ExporterError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *ExporterError) WithOperation(operation string) *ExporterError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *ExporterError) WithCause(cause error) *ExporterError {
	e.Cause = cause
	return e
}

// CodeOf returns the code of the first ExporterError in err's chain, or
// ErrCodeInternalError when there is none.
func CodeOf(err error) ErrorCode {
	var e *ExporterError
	if stderr.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternalError
}
