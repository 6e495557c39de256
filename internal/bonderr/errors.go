// Package bonderr defines the typed errors every engine returns to the UI.
package bonderr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error class.
type Code string

const (
	CodeUnknown     Code = "UNKNOWN"
	CodeValidation  Code = "VALIDATION"
	CodePermission  Code = "PERMISSION_DENIED"
	CodeNotFound    Code = "NOT_FOUND"
	CodeConflict    Code = "CONFLICT"
	CodeUnavailable Code = "UNAVAILABLE"
	CodeBusy        Code = "BUSY"
)

// Sentinels for errors.Is.
var (
	ErrValidation  = &Error{Code: CodeValidation}
	ErrPermission  = &Error{Code: CodePermission}
	ErrNotFound    = &Error{Code: CodeNotFound}
	ErrConflict    = &Error{Code: CodeConflict}
	ErrUnavailable = &Error{Code: CodeUnavailable}
	ErrBusy        = &Error{Code: CodeBusy}
)

// Error carries a code, a user-facing message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, fmt.Sprintf(format, args...))
}

func Permission(format string, args ...any) *Error {
	return New(CodePermission, fmt.Sprintf(format, args...))
}

// NotFound reports content that no longer exists, e.g. NotFound("post", id).
func NotFound(kind, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s %q not found", kind, id))
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, fmt.Sprintf(format, args...))
}

func Unavailable(message string, cause error) *Error {
	return Wrap(CodeUnavailable, message, cause)
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
