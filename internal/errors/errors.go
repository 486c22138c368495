// Package errors provides structured error types for the canary.
// All errors include a category, code, message, and retryable flag; the
// category also encodes the blast radius (pair, table, or iteration) so the
// scheduling loop can recover at the smallest enclosing scope.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by failure scope.
type ErrorCategory string

const (
	// ErrCategorySampling covers store failures while drawing rows. Table-scoped:
	// the iteration continues with the remaining tables.
	ErrCategorySampling ErrorCategory = "SAMPLING"

	// ErrCategoryResolution covers resolver failures during root lookups.
	// Pair-scoped: other column pairs and tables proceed.
	ErrCategoryResolution ErrorCategory = "RESOLUTION"

	// ErrCategoryVersion covers snapshot pinning and catalog failures.
	// Iteration-scoped: the loop transitions to Recovering and re-pins.
	ErrCategoryVersion ErrorCategory = "VERSION"

	// ErrCategoryDelivery covers notification-channel failures. Swallowed at
	// the dispatch boundary, logged only.
	ErrCategoryDelivery ErrorCategory = "DELIVERY"

	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryConfig   ErrorCategory = "CONFIG"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Sampling codes
	CodeCountFailed       = "COUNT_FAILED"
	CodeSampleQueryFailed = "SAMPLE_QUERY_FAILED"
	CodeTableUnreadable   = "TABLE_UNREADABLE"

	// Resolution codes
	CodeResolveFailed      = "RESOLVE_FAILED"
	CodeBatchShapeMismatch = "BATCH_SHAPE_MISMATCH"
	CodeBadIDColumn        = "BAD_ID_COLUMN"

	// Version codes
	CodePinFailed       = "PIN_FAILED"
	CodeNoVersions      = "NO_VERSIONS"
	CodeTableListFailed = "TABLE_LIST_FAILED"
	CodeConnectFailed   = "CONNECT_FAILED"

	// Delivery codes
	CodePostFailed = "POST_FAILED"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// CanaryError is the structured error type used throughout the system.
type CanaryError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *CanaryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CanaryError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *CanaryError) Is(target error) bool {
	var t *CanaryError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new CanaryError.
func New(category ErrorCategory, code, message string) *CanaryError {
	return &CanaryError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new CanaryError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *CanaryError {
	return &CanaryError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *CanaryError) WithDetails(details map[string]interface{}) *CanaryError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *CanaryError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// IsIterationScoped reports whether the error must abort the current
// iteration and trigger a snapshot re-pin rather than a per-table skip.
func IsIterationScoped(err error) bool {
	return GetCategory(err) == ErrCategoryVersion
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a CanaryError.
func GetCategory(err error) ErrorCategory {
	var ce *CanaryError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a CanaryError.
func GetCode(err error) string {
	var ce *CanaryError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// isRetryable determines if an error code is worth retrying on a later
// attempt. Retryable here informs transport-level retries; the scheduling
// loop's recovery behavior is driven by category alone.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryVersion && code == CodePinFailed:
		return true
	case category == ErrCategoryVersion && code == CodeConnectFailed:
		return true
	case category == ErrCategoryResolution && code == CodeResolveFailed:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewSamplingError(code, message string, cause error) *CanaryError {
	return Wrap(ErrCategorySampling, code, message, cause)
}

func NewResolutionError(code, message string, cause error) *CanaryError {
	return Wrap(ErrCategoryResolution, code, message, cause)
}

func NewVersionError(code, message string, cause error) *CanaryError {
	return Wrap(ErrCategoryVersion, code, message, cause)
}

func NewDeliveryError(message string, cause error) *CanaryError {
	return Wrap(ErrCategoryDelivery, CodePostFailed, message, cause)
}

func NewStorageError(code, message string, cause error) *CanaryError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewConfigError(message string) *CanaryError {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewInternalError(message string, cause error) *CanaryError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
