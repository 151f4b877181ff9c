// Package errors provides coded application errors shared by the repository,
// service and handler layers.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrCode classifies an error for transport mapping.
type ErrCode string

const (
	ErrCodeInternal     ErrCode = "INTERNAL"
	ErrCodeNotFound     ErrCode = "NOT_FOUND"
	ErrCodeInvalidInput ErrCode = "INVALID_INPUT"
	ErrCodeConflict     ErrCode = "CONFLICT"
	ErrCodeUnauthorized ErrCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrCode = "FORBIDDEN"
)

// Error is a coded error. Field is set for input validation failures.
type Error struct {
	Code    ErrCode
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode implements Coder.
func (e *Error) ErrorCode() ErrCode { return e.Code }

// Coder is implemented by any error that carries its own code.
type Coder interface {
	ErrorCode() ErrCode
}

// New creates a coded error.
func New(code ErrCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error. A nil err yields nil.
func Wrap(err error, code ErrCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a validation failure on a single field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, message), Field: field}
}

// CodeOf returns the code of the first Coder in err's chain, or ErrCodeInternal.
func CodeOf(err error) ErrCode {
	var c Coder
	if stderrors.As(err, &c) {
		return c.ErrorCode()
	}
	return ErrCodeInternal
}

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput:
		return http.StatusUnprocessableEntity
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Is and As re-export the standard library helpers so callers importing this
// package under the name errors keep access to them.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
