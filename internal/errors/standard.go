// Package errors provides standardized error messaging for Lumen
package errors

import (
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	// CategoryUnsupported marks constructs the active transformation or
	// backend cannot express. Fatal to the compilation of that method.
	CategoryUnsupported ErrorCategory = "UNSUPPORTED"
	// CategoryInternal marks detected compiler-defect inconsistencies.
	CategoryInternal ErrorCategory = "INTERNAL"
	// CategoryValidation marks malformed caller-supplied input.
	CategoryValidation ErrorCategory = "VALIDATION"
	// CategorySystem marks OS/IO level failures (cache, daemon).
	CategorySystem ErrorCategory = "SYSTEM"
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

// Error implements the error interface
func (e *StandardError) Error() string {
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// IsUnsupported reports whether err is an unsupported-construct error.
func IsUnsupported(err error) bool {
	se, ok := err.(*StandardError)
	return ok && se.Category == CategoryUnsupported
}

// IsValidation reports whether err marks malformed caller input.
func IsValidation(err error) bool {
	se, ok := err.(*StandardError)
	return ok && se.Category == CategoryValidation
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(2)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Common error constructors

// Unsupported reports a construct the active pass or backend cannot express.
// value and loc identify the offending IR node for diagnostics.
func Unsupported(code, detail string, value int32, loc string) *StandardError {
	return NewStandardError(CategoryUnsupported, code,
		fmt.Sprintf("%s (value v%d at %s)", detail, value, loc),
		map[string]interface{}{"value": value, "location": loc})
}

// UnsupportedType reports a type the active backend cannot represent.
func UnsupportedType(code, typeName string) *StandardError {
	return NewStandardError(CategoryUnsupported, code,
		fmt.Sprintf("unsupported type %s", typeName),
		map[string]interface{}{"type": typeName})
}

// UnsupportedFeature reports a capability the selected target does not reach.
func UnsupportedFeature(code, detail string) *StandardError {
	return NewStandardError(CategoryUnsupported, code, detail, nil)
}

// Internal reports a compiler defect. Internal inconsistencies fail fast:
// callers panic with the returned error rather than propagating it.
func Internal(code, detail string) *StandardError {
	return NewStandardError(CategoryInternal, code, detail, nil)
}

// Validation reports malformed input supplied by the caller.
func Validation(code, detail string) *StandardError {
	return NewStandardError(CategoryValidation, code, detail, nil)
}

// System reports an OS or IO level failure wrapping the cause.
func System(code string, cause error) *StandardError {
	return NewStandardError(CategorySystem, code, cause.Error(),
		map[string]interface{}{"cause": cause})
}
