// Package apperrors provides code-carrying errors shared by the session
// layer and the HTTP API.
package apperrors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Admission errors
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"
	CodeDuplicateSession Code = "DUPLICATE_SESSION"

	// State errors
	CodeNotFound               Code = "NOT_FOUND"
	CodeInvalidState           Code = "INVALID_STATE"
	CodeStaleTransition        Code = "STALE_TRANSITION"
	CodeExtensionLimitExceeded Code = "EXTENSION_LIMIT_EXCEEDED"

	// Request errors
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeLabNotFound      Code = "LAB_NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeRateLimited      Code = "RATE_LIMITED"

	// Infrastructure errors
	CodeUnavailable Code = "UNAVAILABLE"
	CodeInternal    Code = "INTERNAL"
)

// HTTPStatus maps a code onto the response status the API should use.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeCapacityExceeded, CodeDuplicateSession, CodeInvalidState,
		CodeStaleTransition, CodeExtensionLimitExceeded:
		return http.StatusConflict
	case CodeNotFound, CodeLabNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the same request unchanged.
func (c Code) Retryable() bool {
	return c == CodeUnavailable || c == CodeRateLimited
}
