package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the structured error type for the engine.
// It carries enough context for handling policy, logging, and the one-line
// user-visible message the CLI prints.
type Error struct {
	// Kind classifies the error (not_found, transient, corruption, ...).
	Kind Kind

	// Message is the human-readable error message.
	Message string

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
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind, enabling errors.Is() against sentinel kinds.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// New creates a new Error with the given kind and message.
// Severity and retryable flag are derived from the kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Severity:  severityFor(kind),
		Cause:     cause,
		Retryable: retryableFor(kind),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...), nil)
}

// Wrap creates an Error from an existing error.
// Returns nil if err is nil. If err is already an *Error it is returned
// as-is so the original kind survives layered wrapping.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return New(kind, err.Error(), err)
}

// NotFound creates a not-found error.
func NotFound(message string) *Error {
	return New(KindNotFound, message, nil)
}

// Invalid creates a validation error.
func Invalid(message string) *Error {
	return New(KindInvalidInput, message, nil)
}

// Transient creates a retryable transient error.
func Transient(message string, cause error) *Error {
	return New(KindTransient, message, cause)
}

// Corruption creates a corruption error.
func Corruption(message string, cause error) *Error {
	return New(KindCorruption, message, cause)
}

// Crypto creates a crypto error (missing key, cipher mismatch, failed decrypt).
func Crypto(message string, cause error) *Error {
	return New(KindCrypto, message, cause)
}

// External creates an external-collaborator error (embedder, labeler).
func External(message string, cause error) *Error {
	return New(KindExternal, message, cause)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsKind reports whether the first *Error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Severity == SeverityFatal
	}
	return false
}
