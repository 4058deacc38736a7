package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a category of failure surfaced by the control plane.
type ErrorCode string

const (
	// CodeContainerNotFound indicates the requested container id is unknown
	CodeContainerNotFound ErrorCode = "CONTAINER_NOT_FOUND"
	// CodeInvalidBucket indicates the storage bucket failed validation
	CodeInvalidBucket ErrorCode = "INVALID_S3_BUCKET"
	// CodeInvalidParameter indicates a malformed or missing request parameter
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"
	// CodeAuthenticationFailed indicates a missing or invalid API key
	CodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	// CodeContainerStartFailed indicates provisioning failed after validation
	CodeContainerStartFailed ErrorCode = "CONTAINER_START_FAILED"
	// CodeContainerStopFailed indicates a stop request failed at the runtime
	CodeContainerStopFailed ErrorCode = "CONTAINER_STOP_FAILED"
	// CodeDockerError indicates a generic container runtime failure
	CodeDockerError ErrorCode = "DOCKER_ERROR"
	// CodeResourceLimitExceeded indicates admission control denied the request
	CodeResourceLimitExceeded ErrorCode = "RESOURCE_LIMIT_EXCEEDED"
	// CodeRateLimitExceeded indicates the per-key rate limit was hit
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	// CodeInternalError is the catch-all for unexpected failures
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// httpStatus maps each error code to its default HTTP status.
var httpStatus = map[ErrorCode]int{
	CodeContainerNotFound:     http.StatusNotFound,
	CodeInvalidBucket:         http.StatusBadRequest,
	CodeInvalidParameter:      http.StatusBadRequest,
	CodeAuthenticationFailed:  http.StatusUnauthorized,
	CodeContainerStartFailed:  http.StatusInternalServerError,
	CodeContainerStopFailed:   http.StatusInternalServerError,
	CodeDockerError:           http.StatusInternalServerError,
	CodeResourceLimitExceeded: http.StatusServiceUnavailable,
	CodeRateLimitExceeded:     http.StatusTooManyRequests,
	CodeInternalError:         http.StatusInternalServerError,
}

// genericMessage is what clients see in production mode instead of the
// underlying error text.
var genericMessage = map[ErrorCode]string{
	CodeContainerNotFound:     "container not found",
	CodeInvalidBucket:         "storage bucket validation failed",
	CodeInvalidParameter:      "invalid request parameter",
	CodeAuthenticationFailed:  "authentication failed",
	CodeContainerStartFailed:  "failed to start container",
	CodeContainerStopFailed:   "failed to stop container",
	CodeDockerError:           "container runtime error",
	CodeResourceLimitExceeded: "insufficient resources to start container",
	CodeRateLimitExceeded:     "rate limit exceeded",
	CodeInternalError:         "internal server error",
}

// Error is a typed control-plane error carrying its taxonomy code. Components
// return these so callers classify failures with errors.As instead of
// matching message text.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

// NewError creates a typed error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a typed error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying error, preserving it for
// errors.Is/errors.Unwrap chains.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// HTTPStatus returns the default HTTP status for the error's code.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// GenericMessage returns the production-safe message for the error's code.
func (e *Error) GenericMessage() string {
	if m, ok := genericMessage[e.Code]; ok {
		return m
	}
	return genericMessage[CodeInternalError]
}

// CodeOf extracts the taxonomy code from err, defaulting to INTERNAL_ERROR
// for untyped errors.
func CodeOf(err error) ErrorCode {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return CodeInternalError
}

// AsError converts err into a typed *Error, wrapping untyped errors as
// INTERNAL_ERROR.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return WrapError(CodeInternalError, "unexpected error", err)
}
