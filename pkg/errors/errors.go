// Package errors provides kinded errors for the matching and lifecycle core.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Error is a custom error type carrying a stable kind alongside the message.
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Message is the human readable string that indicates the error
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

// Error kinds for the domain taxonomy. Callers match on these with
// errors.Is rather than on message text.
var (
	Validation        = NewWithKind("ValidationError")
	NotFound          = NewWithKind("NotFound")
	Authorization     = NewWithKind("AuthorizationError")
	DuplicateMatch    = NewWithKind("DuplicateMatch")
	InvalidTransition = NewWithKind("InvalidTransition")
	ImmutableState    = NewWithKind("ImmutableState")
)

func New(message string) *Error {
	return &Error{Kind: "Unknown", Message: message}
}

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

func Wrap(err error) *Error {
	return &Error{cause: err}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

// Reason returns a copy of the error with kind set to the given value
func (e *Error) Reason(kind string) *Error {
	err := *e
	err.Kind = kind
	return &err
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Explain makes a copy of the error with the given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// WithCause makes a copy of the error with the given cause attached
func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Is implements the needed interface for errors.Is.
// Two Errors are equal when their kinds match.
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
