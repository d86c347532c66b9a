// Package apperr defines the error taxonomy shared by services and HTTP handlers.
//
// Services return *Error values; handlers and the tool adapter translate them
// with HTTPStatus or Abort. Any other error reaching a handler is treated as an
// internal failure and its text is never written to the client.
package apperr

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Code is a coarse error category that maps onto one HTTP status.
type Code string

const (
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeInvalidInput    Code = "INVALID_INPUT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeInternal        Code = "INTERNAL"
)

// Reasons refine a Code for callers that need to branch on the exact condition.
const (
	ReasonDuplicateVersion = "DUPLICATE_VERSION"
	ReasonInvalidManifest  = "INVALID_MANIFEST"
	ReasonAlreadyExists    = "ALREADY_EXISTS"
	ReasonInvalidName      = "INVALID_NAME"
	ReasonInsufficientRole = "INSUFFICIENT_ROLE"
	ReasonMissingScope     = "MISSING_SCOPE"
	ReasonLastOwner        = "LAST_OWNER"
)

// Error is a taxonomy error. Message is safe to show to clients; Err is not.
type Error struct {
	Code    Code
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithReason returns a copy of e carrying reason.
func (e *Error) WithReason(reason string) *Error {
	cp := *e
	cp.Reason = reason
	return &cp
}

// New creates a taxonomy error with a client-safe message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with fmt formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause to a taxonomy error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func Unauthenticated(message string) *Error { return New(CodeUnauthenticated, message) }
func Forbidden(message string) *Error       { return New(CodeForbidden, message) }
func InvalidInput(message string) *Error    { return New(CodeInvalidInput, message) }
func NotFound(message string) *Error        { return New(CodeNotFound, message) }
func Conflict(message string) *Error        { return New(CodeConflict, message) }

// As extracts a taxonomy error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// HasReason reports whether err carries reason.
func HasReason(err error, reason string) bool {
	e, ok := As(err)
	return ok && e.Reason == reason
}

// HTTPStatus maps err onto a status code. nil maps to 200 and unknown errors to 500.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Abort writes err as a JSON error body and stops the handler chain.
func Abort(c *gin.Context, err error) {
	e, ok := As(err)
	if !ok || e.Code == CodeInternal {
		slog.Error("request failed", "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  CodeInternal,
		})
		return
	}

	body := gin.H{
		"error": e.Message,
		"code":  e.Code,
	}
	if e.Reason != "" {
		body["reason"] = e.Reason
	}
	c.AbortWithStatusJSON(HTTPStatus(e), body)
}
