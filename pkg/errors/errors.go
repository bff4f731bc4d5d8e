package errors

import (
	stderrors "errors"
	"fmt"
)

// Code is a stable, machine-comparable error classification.
type Code string

const (
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"
	CodeInternal         Code = "INTERNAL"
)

// AppError is the structured error type returned by this codebase's
// packages. It carries a stable Code for programmatic branching alongside
// a human-readable Message, and optionally wraps a lower-level Cause.
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *AppError with the same Code, so callers
// can do errors.Is(err, &errors.AppError{Code: errors.CodeNotFound}).
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New constructs an AppError with an arbitrary code. code is typically one
// of the Code constants but callers may supply their own string literal
// for package-local taxonomies.
func New(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Wrap attaches additional context to err without discarding its code: if
// err is already an *AppError its Code is preserved, otherwise the wrapped
// error is classified as CodeInternal.
func Wrap(err error, message string) *AppError {
	var existing *AppError
	if stderrors.As(err, &existing) {
		return &AppError{Code: existing.Code, Message: message, Cause: err}
	}
	return &AppError{Code: CodeInternal, Message: message, Cause: err}
}

// As is a re-export of the standard library's errors.As so callers that
// import this package for error construction don't also need a second
// import for inspection.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Is is a re-export of the standard library's errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// NotFound builds a CodeNotFound AppError.
func NotFound(message string, cause error) *AppError {
	return New(CodeNotFound, message, cause)
}

// Conflict builds a CodeConflict AppError.
func Conflict(message string, cause error) *AppError {
	return New(CodeConflict, message, cause)
}

// InvalidInput builds a CodeInvalidArgument AppError.
func InvalidInput(message string, cause error) *AppError {
	return New(CodeInvalidArgument, message, cause)
}

// Unavailable builds a CodeUnavailable AppError, used for StoreUnavailable
// conditions (remote store unreachable, script error, or deadline exceeded).
func Unavailable(message string, cause error) *AppError {
	return New(CodeUnavailable, message, cause)
}

// DeadlineExceeded builds a CodeDeadlineExceeded AppError.
func DeadlineExceeded(message string, cause error) *AppError {
	return New(CodeDeadlineExceeded, message, cause)
}

// Internal builds a CodeInternal AppError.
func Internal(message string, cause error) *AppError {
	return New(CodeInternal, message, cause)
}
