// Package edgeerrors provides the edge's unified error taxonomy: each
// error kind has a default HTTP status, which Status reports; Auth errors
// surface as 401, or as 403 when built with Forbidden.
package edgeerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error taxonomy members described by the system's error
// handling design: Auth, UpstreamTransient, UpstreamFatal, CacheMiss,
// ParseError, ConfigError, PersistenceError, Internal.
type Kind string

const (
	KindAuth              Kind = "auth"
	KindUpstreamTransient Kind = "upstream_transient"
	KindUpstreamFatal     Kind = "upstream_fatal"
	KindCacheMiss         Kind = "cache_miss"
	KindParseError        Kind = "parse_error"
	KindConfigError       Kind = "config_error"
	KindPersistenceError  Kind = "persistence_error"
	KindInternal          Kind = "internal"
)

// EdgeError is a structured error carrying its taxonomy kind and, for auth
// failures, the HTTP status it should surface as (401 vs 403).
type EdgeError struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *EdgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EdgeError) Unwrap() error { return e.Err }

// New constructs an EdgeError of the given kind with its default HTTP status.
func New(kind Kind, message string) *EdgeError {
	return &EdgeError{Kind: kind, Message: message, Status: defaultStatus(kind)}
}

// Wrap constructs an EdgeError around an existing error.
func Wrap(kind Kind, message string, err error) *EdgeError {
	return &EdgeError{Kind: kind, Message: message, Status: defaultStatus(kind), Err: err}
}

func defaultStatus(kind Kind) int {
	switch kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindUpstreamTransient:
		return http.StatusServiceUnavailable
	case KindUpstreamFatal:
		return http.StatusUnauthorized
	case KindCacheMiss:
		return http.StatusServiceUnavailable
	case KindParseError:
		return http.StatusBadRequest
	case KindConfigError:
		return http.StatusInternalServerError
	case KindPersistenceError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Unauthorized reports a token that is unknown or malformed.
func Unauthorized(message string) *EdgeError {
	return New(KindAuth, message)
}

// Forbidden reports a token lacking scope for the requested path.
func Forbidden(message string) *EdgeError {
	e := New(KindAuth, message)
	e.Status = http.StatusForbidden
	return e
}

// CacheMiss reports no cached features for an otherwise-validated token.
// Callers should attach a Retry-After hint.
func CacheMiss(message string) *EdgeError {
	return New(KindCacheMiss, message)
}

// ParseError reports an invalid query, context, or token string.
func ParseError(message string) *EdgeError {
	return New(KindParseError, message)
}

// Status maps any error to the HTTP status code handlers should return.
// Non-EdgeError values are treated as Internal.
func Status(err error) int {
	var ee *EdgeError
	if errors.As(err, &ee) {
		return ee.Status
	}
	return http.StatusInternalServerError
}
