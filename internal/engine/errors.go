package engine

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown           Code = "UNKNOWN"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodePhaseNotOpen      Code = "PHASE_NOT_OPEN"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeSelfDelegation    Code = "SELF_DELEGATION"
	CodeAlreadyDelegate   Code = "ALREADY_DELEGATE"
	CodeIdeaNotApproved   Code = "IDEA_NOT_APPROVED"
	CodeNotEligible       Code = "NOT_ELIGIBLE"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeDatabase          Code = "DATABASE_ERROR"
	CodeNetwork           Code = "NETWORK_ERROR"
)

// Error is the engine's structured error. Two errors match under errors.Is when
// their codes are equal, so the sentinels below can be compared against any
// error carrying a more specific message.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrPermissionDenied  = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrPhaseNotOpen      = &Error{Code: CodePhaseNotOpen, Message: "phase not open"}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition, Message: "invalid transition"}
	ErrSelfDelegation    = &Error{Code: CodeSelfDelegation, Message: "cannot delegate to yourself"}
	ErrAlreadyDelegate   = &Error{Code: CodeAlreadyDelegate, Message: "delegation would form a chain"}
	ErrIdeaNotApproved   = &Error{Code: CodeIdeaNotApproved, Message: "idea not approved"}
	ErrNotEligible       = &Error{Code: CodeNotEligible, Message: "not eligible"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidInput      = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrDatabase          = &Error{Code: CodeDatabase, Message: "database error"}
	ErrNetwork           = &Error{Code: CodeNetwork, Message: "network error"}
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a NOT_FOUND error; stores use it for missing rows.
func NotFoundf(format string, args ...any) error {
	return newError(CodeNotFound, format, args...)
}

// InvalidInputf builds an INVALID_INPUT error.
func InvalidInputf(format string, args ...any) error {
	return newError(CodeInvalidInput, format, args...)
}

// Wrap attaches a code to an underlying failure.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// asEngineError keeps engine errors intact and wraps anything else coming out
// of the store as a database failure.
func asEngineError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(CodeDatabase, op, err)
}
