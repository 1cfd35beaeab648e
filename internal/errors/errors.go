package errors

import (
	"errors"
	"fmt"
)

// BivyError is the structured error type for bivy.
// It carries enough context for the dispatch facility to decide on redelivery
// and for the CLI to print an actionable message.
type BivyError struct {
	// Code is the unique error code (e.g., "ERR_301_BACKEND_UNAVAILABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Backend, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *BivyError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *BivyError) Unwrap() error {
	return e.Cause
}

// Is matches another BivyError by code so errors.Is works across instances.
func (e *BivyError) Is(target error) bool {
	if t, ok := target.(*BivyError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *BivyError) WithDetail(key, value string) *BivyError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *BivyError) WithSuggestion(suggestion string) *BivyError {
	e.Suggestion = suggestion
	return e
}

// New creates a new BivyError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *BivyError {
	return &BivyError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a BivyError from an existing error.
func Wrap(code string, err error) *BivyError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is comparisons by code.
var (
	ErrBackendUnavailable   = New(ErrCodeBackendUnavailable, "backend unavailable", nil)
	ErrSerializationFailure = New(ErrCodeSerializationFailed, "serialization failed", nil)
	ErrRecordNotFound       = New(ErrCodeRecordNotFound, "record not found", nil)
	ErrModelNotRegistered   = New(ErrCodeModelNotRegistered, "model not registered", nil)
	ErrInvalidFilter        = New(ErrCodeInvalidFilter, "invalid filter", nil)
)

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *BivyError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// BackendUnavailable reports a failed call to the named index.
func BackendUnavailable(index, op string, cause error) *BivyError {
	return New(ErrCodeBackendUnavailable, fmt.Sprintf("%s on index %s failed", op, index), cause).
		WithDetail("index", index).
		WithDetail("op", op)
}

// SerializationFailure reports a serializer that raised or returned a malformed shape.
func SerializationFailure(typeName, message string, cause error) *BivyError {
	return New(ErrCodeSerializationFailed, fmt.Sprintf("serializing %s: %s", typeName, message), cause).
		WithDetail("model", typeName)
}

// RecordNotFound reports that a deferred job could not re-resolve its record.
func RecordNotFound(typeName string, key any) *BivyError {
	return New(ErrCodeRecordNotFound, fmt.Sprintf("%s %v not found", typeName, key), nil).
		WithDetail("model", typeName).
		WithDetail("key", fmt.Sprint(key))
}

// ModelNotRegistered reports a lookup of a type that never opted into indexing.
func ModelNotRegistered(typeName string) *BivyError {
	return New(ErrCodeModelNotRegistered, fmt.Sprintf("model %s is not registered for indexing", typeName), nil).
		WithDetail("model", typeName).
		WithSuggestion("declare the model under 'models' in .bivy.yaml or register it at startup")
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *BivyError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *BivyError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable reports whether any BivyError in the chain is retryable.
// Joined errors are retryable if at least one branch is.
func IsRetryable(err error) bool {
	retryable := false
	walk(err, func(e *BivyError) bool {
		if e.Retryable {
			retryable = true
			return false
		}
		return true
	})
	return retryable
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	var be *BivyError
	if errors.As(err, &be) {
		return be.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from the first BivyError in the chain.
func GetCode(err error) string {
	var be *BivyError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// GetCategory extracts the category from the first BivyError in the chain.
func GetCategory(err error) Category {
	var be *BivyError
	if errors.As(err, &be) {
		return be.Category
	}
	return ""
}

// walk visits every BivyError reachable through Unwrap and multi-error Unwrap.
// Returning false from fn stops the walk.
func walk(err error, fn func(*BivyError) bool) bool {
	if err == nil {
		return true
	}
	if be, ok := err.(*BivyError); ok {
		if !fn(be) {
			return false
		}
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if !walk(e, fn) {
				return false
			}
		}
	case interface{ Unwrap() error }:
		return walk(x.Unwrap(), fn)
	}
	return true
}
