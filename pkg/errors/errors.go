// Package errors provides the kinded error type used across the engine and
// its RFC 7807 rendering for the HTTP surface.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Error kinds. Matching with errors.Is compares kinds only.
const (
	KindValidation       = "validation"
	KindNotFound         = "not_found"
	KindStateConflict    = "state_conflict"
	KindQuoteUnavailable = "quote_unavailable"
	KindExternalService  = "external_service"
	KindConfiguration    = "configuration"
)

var (
	// Validation is a bad order direction/distance or malformed numeric input.
	Validation = NewWithKind(KindValidation)
	// NotFound is a missing order, position or participant.
	NotFound = NewWithKind(KindNotFound)
	// StateConflict is a transition attempted on an already-terminal entity.
	StateConflict = NewWithKind(KindStateConflict)
	// QuoteUnavailable is a symbol missing from the current quote batch.
	QuoteUnavailable = NewWithKind(KindQuoteUnavailable)
	// ExternalService is a price feed or persistence failure.
	ExternalService = NewWithKind(KindExternalService)
	// Configuration is an invalid engine setting such as misordered thresholds.
	Configuration = NewWithKind(KindConfiguration)
)

// FieldError carries the offending value of a rejected input.
type FieldError struct {
	Kind    string `json:"kind"`
	Field   string `json:"field"`
	Message string `json:"message,omitempty"`
}

func (f *FieldError) Error() string {
	return fmt.Sprintf("%s (%s): %s", f.Field, f.Kind, f.Message)
}

func NewFieldError(kind, field, reason string) FieldError {
	return FieldError{Kind: kind, Field: field, Message: reason}
}

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Code is a short machine-readable reason, e.g. "limit_above_ask"
	Code string `json:"code,omitempty"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`
	// Fields used when there's validation error for a field.
	Fields []FieldError `json:"fields,omitempty"`

	trace []byte
	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: "unknown", Message: message}
}

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

func Wrap(err error) *Error {
	return &Error{Kind: "unknown", cause: err}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Code != "" {
		str += e.Code + ": "
	}
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	if len(e.trace) > 0 {
		str = str + fmt.Sprintf("\n\nTrace: %s", string(e.trace))
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the cause set
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// WithCode makes a copy of the error with the machine-readable code set
func (e *Error) WithCode(code string) *Error {
	err := *e
	err.Code = code
	return &err
}

// Trace sets the error stack trace
func (e *Error) Trace() *Error {
	stack := make([]byte, 2048)
	n := runtime.Stack(stack, false)
	e.trace = stack[:n]
	return e
}

// WithField returns a copy of error with the field appended.
func (e *Error) WithField(kind, field, message string) *Error {
	newError := *e
	newError.Fields = append(append([]FieldError(nil), e.Fields...), NewFieldError(kind, field, message))
	return &newError
}

// Is implements the needed interface for errors.Is
// It checks kind for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// KindOf returns the kind of the first *Error in the chain, or "unknown".
func KindOf(err error) string {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return "unknown"
}
