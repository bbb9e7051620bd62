package core

import (
	"errors"
	"fmt"
)

// Code is the closed taxonomy of errors that cross the core's boundary.
// No internal Go type or stack trace ever crosses it; callers match on Code.
type Code string

const (
	CodeNotFound             Code = "NOT_FOUND"
	CodeAlreadyExists        Code = "ALREADY_EXISTS"
	CodeValidation           Code = "VALIDATION"
	CodeMissingRequiredField Code = "MISSING_REQUIRED_FIELD"
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodeInvalidID            Code = "INVALID_ID"
	CodeCycleDetected        Code = "CYCLE_DETECTED"
	CodeDuplicateDependency  Code = "DUPLICATE_DEPENDENCY"
	CodeDependencyNotFound   Code = "DEPENDENCY_NOT_FOUND"
	CodeHasDependents        Code = "HAS_DEPENDENTS"
	CodeAlreadyAssigned      Code = "ALREADY_ASSIGNED"
	CodeActiveSessionExists  Code = "ACTIVE_SESSION_EXISTS"
	CodeSessionNotFound      Code = "SESSION_NOT_FOUND"
	CodeAgentNotFound        Code = "AGENT_NOT_FOUND"
	CodeWrongAgent           Code = "WRONG_AGENT"
	CodeSyncConflict         Code = "SYNC_CONFLICT"
	CodeDatabaseBusy         Code = "DATABASE_BUSY"
	CodeDatabaseError        Code = "DATABASE_ERROR"
)

// Error is the structured error every core operation returns on failure.
// Op names the operation that failed ("store.update", "graph.addDependency")
// the way the teacher's wrapped errors name a subsystem in their %w prefix.
type Error struct {
	Code   Code
	Op     string
	Msg    string
	Detail map[string]interface{}
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, core.Error{Code: X}) match on code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError builds a structured error, wrapping an optional underlying cause
// the way the teacher wraps driver errors with fmt.Errorf("...: %w", err).
func NewError(code Code, op, msg string, err error) *Error {
	return &Error{Code: code, Op: op, Msg: msg, Err: err}
}

// NewErrorf is NewError with a formatted message.
func NewErrorf(code Code, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WithDetail attaches structured detail (e.g. a cycle path) to an error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = value
	return e
}

// CodeOf extracts the Code from any error in the chain, or "" if none.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err (or anything it wraps) carries the given Code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the propagation policy (§7) allows an
// automatic bounded retry for this error class (the Transient class).
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeDatabaseBusy
}
