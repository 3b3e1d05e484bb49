// Package apperrors defines the typed error taxonomy shared by the core
// services and mapped to stable wire codes at the HTTP boundary.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the abstract failure categories.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindValidation
	KindConflict
	KindRateLimit
	KindExternal
)

// Wire codes carried in the error envelope.
const (
	CodeAuthentication = "AUTHENTICATION_ERROR"
	CodeAuthorization  = "AUTHORIZATION_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeValidation     = "VALIDATION_ERROR"
	CodeConflict       = "CONFLICT_ERROR"
	CodeRateLimit      = "RATE_LIMIT_ERROR"
	CodeInternal       = "INTERNAL_ERROR"
)

// Detail codes included in error details to disambiguate specific failures.
const (
	DetailSessionNotFound    = "SESSION_NOT_FOUND"
	DetailEpisodeNotFound    = "EPISODE_NOT_FOUND"
	DetailCheckpointNotFound = "CHECKPOINT_NOT_FOUND"
	DetailAPIKeyNotFound     = "API_KEY_NOT_FOUND"
	DetailOrgLevelRequired   = "ORG_LEVEL_REQUIRED"
	DetailInvalidTimeRange   = "INVALID_TIME_RANGE"
)

// Error is the typed error surfaced by core services. Detail may be one of
// the Detail* codes; Details carries machine-friendly context.
type Error struct {
	Kind    Kind
	Detail  string
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Detail, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the stable wire code for the error's kind.
func (e *Error) Code() string { return CodeFor(e.Kind) }

// CodeFor maps a Kind to its wire code. External-service failures surface
// as degraded retrieval and map to the internal code when they escape.
func CodeFor(k Kind) string {
	switch k {
	case KindAuthentication:
		return CodeAuthentication
	case KindAuthorization:
		return CodeAuthorization
	case KindNotFound:
		return CodeNotFound
	case KindValidation:
		return CodeValidation
	case KindConflict:
		return CodeConflict
	case KindRateLimit:
		return CodeRateLimit
	default:
		return CodeInternal
	}
}

// StatusFor maps a Kind to its HTTP status.
func StatusFor(k Kind) int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func Authentication(format string, args ...any) *Error {
	return &Error{Kind: KindAuthentication, Message: fmt.Sprintf(format, args...)}
}

func Authorization(detail, format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Detail: detail, Message: fmt.Sprintf(format, args...)}
}

// NotFound covers both "absent" and "outside scope"; the two are
// indistinguishable on the wire to prevent scope probing.
func NotFound(detail, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Detail: detail, Message: fmt.Sprintf(format, args...)}
}

func Validation(detail, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Detail: detail, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func RateLimited(details map[string]any) *Error {
	return &Error{Kind: KindRateLimit, Message: "rate limit exceeded", Details: details}
}

func External(err error, format string, args ...any) *Error {
	return &Error{Kind: KindExternal, Message: fmt.Sprintf(format, args...), cause: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", cause: err}
}

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// As unwraps err into an *Error, or wraps it as internal.
func As(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}
