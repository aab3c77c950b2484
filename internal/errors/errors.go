// Package errors provides structured error types for partplan.
// All errors include a category, code, message, and retryable flag so that
// callers can log them verbatim and map them onto transport status codes.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryScheme    ErrorCategory = "SCHEME"
	ErrCategoryPredicate ErrorCategory = "PREDICATE"
	ErrCategoryEvolution ErrorCategory = "EVOLUTION"
	ErrCategoryCatalog   ErrorCategory = "CATALOG"
	ErrCategoryStorage   ErrorCategory = "STORAGE"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Scheme codes
	CodeInvalidScheme = "INVALID_SCHEME"

	// Predicate codes
	CodeInvalidPredicate = "INVALID_PREDICATE"

	// Evolution codes
	CodeNoCatchAll           = "NO_CATCH_ALL"
	CodeNonMonotonicBoundary = "NON_MONOTONIC_BOUNDARY"
	CodeNotLeadingPartition  = "NOT_LEADING_PARTITION"
	CodeUnknownPartition     = "UNKNOWN_PARTITION"

	// Catalog codes
	CodeVersionConflict = "VERSION_CONFLICT"
	CodeTableNotFound   = "TABLE_NOT_FOUND"
	CodeTableExists     = "TABLE_EXISTS"
	CodeCorruptVersion  = "CORRUPT_VERSION"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Sentinels for errors.Is matching. Is compares category and code only, so
// any error built with the same pair matches the sentinel.
var (
	ErrInvalidScheme        = New(ErrCategoryScheme, CodeInvalidScheme, "invalid partition scheme")
	ErrInvalidPredicate     = New(ErrCategoryPredicate, CodeInvalidPredicate, "invalid predicate")
	ErrNoCatchAll           = New(ErrCategoryEvolution, CodeNoCatchAll, "scheme has no catch-all partition")
	ErrNonMonotonicBoundary = New(ErrCategoryEvolution, CodeNonMonotonicBoundary, "boundary does not advance")
	ErrNotLeadingPartition  = New(ErrCategoryEvolution, CodeNotLeadingPartition, "partition is not the leading partition")
	ErrUnknownPartition     = New(ErrCategoryEvolution, CodeUnknownPartition, "unknown partition")
	ErrVersionConflict      = New(ErrCategoryCatalog, CodeVersionConflict, "scheme version conflict")
	ErrTableNotFound        = New(ErrCategoryCatalog, CodeTableNotFound, "table not found")
	ErrTableExists          = New(ErrCategoryCatalog, CodeTableExists, "table already exists")
)

// PlanError is the structured error type used throughout the system.
type PlanError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string. Details are appended in key order
// so the output is stable enough to log and to compare in tests.
func (e *PlanError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s] %s", e.Category, e.Code, e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Details[k])
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PlanError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PlanError) Is(target error) bool {
	var t *PlanError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PlanError.
func New(category ErrorCategory, code, message string) *PlanError {
	return &PlanError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Newf creates a new PlanError with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...interface{}) *PlanError {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new PlanError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PlanError {
	return &PlanError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details merged in.
func (e *PlanError) WithDetails(details map[string]interface{}) *PlanError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// With returns a copy of the error with a single detail added.
func (e *PlanError) With(key string, value interface{}) *PlanError {
	return e.WithDetails(map[string]interface{}{key: value})
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PlanError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PlanError.
func GetCategory(err error) ErrorCategory {
	var pe *PlanError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PlanError.
func GetCode(err error) string {
	var pe *PlanError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// GetDetails extracts the details map from an error chain.
func GetDetails(err error) map[string]interface{} {
	var pe *PlanError
	if errors.As(err, &pe) {
		return pe.Details
	}
	return nil
}

// Planner failures come from caller-supplied input and never heal on retry.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryCatalog && code == CodeVersionConflict:
		return true
	default:
		return false
	}
}

// Convenience constructors for the planner taxonomy.

func InvalidScheme(format string, args ...interface{}) *PlanError {
	return Newf(ErrCategoryScheme, CodeInvalidScheme, format, args...)
}

func InvalidPredicate(format string, args ...interface{}) *PlanError {
	return Newf(ErrCategoryPredicate, CodeInvalidPredicate, format, args...)
}

func NoCatchAll(format string, args ...interface{}) *PlanError {
	return Newf(ErrCategoryEvolution, CodeNoCatchAll, format, args...)
}

func NonMonotonicBoundary(format string, args ...interface{}) *PlanError {
	return Newf(ErrCategoryEvolution, CodeNonMonotonicBoundary, format, args...)
}

func NotLeadingPartition(format string, args ...interface{}) *PlanError {
	return Newf(ErrCategoryEvolution, CodeNotLeadingPartition, format, args...)
}

func UnknownPartition(format string, args ...interface{}) *PlanError {
	return Newf(ErrCategoryEvolution, CodeUnknownPartition, format, args...)
}

func NewCatalogError(code, message string, cause error) *PlanError {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewStorageError(code, message string, cause error) *PlanError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *PlanError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
