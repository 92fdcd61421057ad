package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes transit errors.
type ErrorCode string

const (
	// CodeValidation indicates a value failed its declared type contract or
	// a transition was not allowed from the object's current state.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeNotFound indicates a missing object, transition or consumer.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeConfiguration indicates an unresolvable backend or a malformed
	// schema or project definition.
	CodeConfiguration ErrorCode = "CONFIGURATION"

	// CodeProtocol indicates an unrecognized replication message. Non-fatal.
	CodeProtocol ErrorCode = "PROTOCOL"

	// CodeRouting indicates an observed transition whose model or transition
	// name is absent from the current schema.
	CodeRouting ErrorCode = "ROUTING"
)

// Sentinels for errors.Is matching against an *Error of the same code.
var (
	ErrValidation    = &Error{Code: CodeValidation}
	ErrNotFound      = &Error{Code: CodeNotFound}
	ErrConfiguration = &Error{Code: CodeConfiguration}
	ErrProtocol      = &Error{Code: CodeProtocol}
	ErrRouting       = &Error{Code: CodeRouting}
)

// Error is the typed error returned across transit packages.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Field names the offending field, when there is one.
	Field string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so the package sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Field == ""
}

// NotFound creates a CodeNotFound error.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a CodeValidation error for a field. field may be empty.
func Validation(field string, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Configuration creates a CodeConfiguration error.
func Configuration(format string, args ...any) *Error {
	return &Error{Code: CodeConfiguration, Message: fmt.Sprintf(format, args...)}
}

// Protocol creates a CodeProtocol error.
func Protocol(format string, args ...any) *Error {
	return &Error{Code: CodeProtocol, Message: fmt.Sprintf(format, args...)}
}

// Routing creates a CodeRouting error.
func Routing(format string, args ...any) *Error {
	return &Error{Code: CodeRouting, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound returns true if err is a not-found error.
// Uses errors.As to handle wrapped errors.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

// IsConfiguration returns true if err is a configuration error.
func IsConfiguration(err error) bool {
	return CodeOf(err) == CodeConfiguration
}

// IsProtocol returns true if err is a protocol error.
func IsProtocol(err error) bool {
	return CodeOf(err) == CodeProtocol
}

// IsRouting returns true if err is a routing error.
func IsRouting(err error) bool {
	return CodeOf(err) == CodeRouting
}
