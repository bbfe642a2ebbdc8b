// Package errors carries the typed error codes every layer returns and the
// HTTP treatment each code gets at the API edge.
package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeUnsupported  Code = "UNSUPPORTED_OPERATION"
	CodeIdempotency  Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit    Code = "RATE_LIMITED"
	CodeInternal     Code = "INTERNAL_ERROR"
	CodeDependency   Code = "DEPENDENCY_ERROR"
)

// Metadata is how the API presents a code. ExposeMessage lets the error's
// own message replace PublicMessage; DetailsAllowed does the same for its
// details.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	ExposeMessage  bool
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:   {HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed", ExposeMessage: true, DetailsAllowed: true},
	CodeUnauthorized: {HTTPStatus: http.StatusUnauthorized, PublicMessage: "authentication required", ExposeMessage: true},
	CodeNotFound:     {HTTPStatus: http.StatusNotFound, PublicMessage: "resource not found", ExposeMessage: true},
	CodeConflict:     {HTTPStatus: http.StatusConflict, PublicMessage: "conflict detected", ExposeMessage: true, DetailsAllowed: true},
	CodeUnsupported:  {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "operation not supported", ExposeMessage: true, DetailsAllowed: true},
	CodeIdempotency:  {HTTPStatus: http.StatusConflict, PublicMessage: "idempotency key reused", ExposeMessage: true, DetailsAllowed: true},
	CodeRateLimit:    {HTTPStatus: http.StatusTooManyRequests, Retryable: true, PublicMessage: "too many requests", ExposeMessage: true},
	CodeInternal:     {HTTPStatus: http.StatusInternalServerError, Retryable: true, PublicMessage: "internal server error"},
	// Dependency messages name internal systems, so only details go out.
	CodeDependency: {HTTPStatus: http.StatusServiceUnavailable, Retryable: true, PublicMessage: "dependency unavailable", DetailsAllowed: true},
}

// MetadataFor falls back to CodeInternal for unknown codes.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code to err. A nil err yields a plain New.
func Wrap(code Code, err error, message string) *Error {
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	default:
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether the outermost typed error in err's chain has code.
func Is(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

func As(err error) *Error {
	var typed *Error
	if err != nil && stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// Retryable reports whether a caller may retry err unchanged. Untyped errors
// count as internal and so are retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return MetadataFor(As(err).Code()).Retryable
}
