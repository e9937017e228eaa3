package models

import (
	"errors"
	"fmt"
)

// Code classifies failures returned by the cart command path and the
// projection pipeline.
type Code string

const (
	CodeInvalidArgument         Code = "INVALID_ARGUMENT"
	CodeNotFound                Code = "NOT_FOUND"
	CodeAlreadyExists           Code = "ALREADY_EXISTS"
	CodeInvalidState            Code = "INVALID_STATE"
	CodeConcurrentWriteConflict Code = "CONCURRENT_WRITE_CONFLICT"
	CodePersistenceError        Code = "PERSISTENCE_ERROR"
	CodeUnavailable             Code = "UNAVAILABLE"
)

// Sentinels for errors.Is; matching is by code only.
var (
	ErrInvalidArgument         = &Error{Code: CodeInvalidArgument}
	ErrNotFound                = &Error{Code: CodeNotFound}
	ErrAlreadyExists           = &Error{Code: CodeAlreadyExists}
	ErrInvalidState            = &Error{Code: CodeInvalidState}
	ErrConcurrentWriteConflict = &Error{Code: CodeConcurrentWriteConflict}
	ErrPersistence             = &Error{Code: CodePersistenceError}
	ErrUnavailable             = &Error{Code: CodeUnavailable}
)

// Error is a coded domain error.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError creates a coded error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a coded error around an underlying cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or "" when
// err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient reports whether err is an infrastructure failure that may
// succeed on retry.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodePersistenceError, CodeUnavailable, CodeConcurrentWriteConflict:
		return true
	}
	return false
}
