package workflow

import (
	"errors"
	"fmt"
)

// Code classifies a workflow failure so transports can map it without
// string matching.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
	CodeStorageError       Code = "STORAGE_ERROR"
	CodeTransient          Code = "TRANSIENT"
	CodeUnauthorized       Code = "UNAUTHORIZED"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return newError(CodeNotFound, format, args...)
}

func Conflictf(format string, args ...any) *Error {
	return newError(CodeConflict, format, args...)
}

func Preconditionf(format string, args ...any) *Error {
	return newError(CodePreconditionFailed, format, args...)
}

func Unauthorizedf(format string, args ...any) *Error {
	return newError(CodeUnauthorized, format, args...)
}

func storageErr(err error, format string, args ...any) *Error {
	return &Error{Code: CodeStorageError, Message: fmt.Sprintf(format, args...), Err: err}
}

func transientErr(err error, format string, args ...any) *Error {
	return &Error{Code: CodeTransient, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsCode reports whether err carries the given workflow code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// CodeOf extracts the workflow code, or empty for unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
