package quotagate

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrRateLimited is returned when the actor has exhausted its quota.
	ErrRateLimited = errors.New("rate limited")

	// ErrServerUnreachable is returned when the quota-gate server cannot be contacted.
	ErrServerUnreachable = errors.New("server unreachable")
)

// APIError is a non-2xx response other than a rate limit.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int
	// Code is the admin API error code, e.g. "ENDPOINT_NOT_FOUND".
	Code string
	// Type is the admission error type, e.g. "invalid-tier".
	Type string
	// Message is the server's error message.
	Message string
}

// Error returns the error message.
func (e *APIError) Error() string {
	label := e.Code
	if label == "" {
		label = e.Type
	}
	if label != "" {
		return fmt.Sprintf("quota-gate [%d %s]: %s", e.StatusCode, label, e.Message)
	}
	return fmt.Sprintf("quota-gate [%d]: %s", e.StatusCode, e.Message)
}

// RateLimitedError is returned by Check when the server answers 429.
type RateLimitedError struct {
	// RetryAfter is how long to wait before the next attempt can succeed.
	RetryAfter time.Duration
	// Limit is the quota that was exceeded.
	Limit int
	// Message is the server's error message.
	Message string
}

// Error returns a human-readable description of the rate limit.
func (e *RateLimitedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s, retry after %s", e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Is supports errors.Is(err, ErrRateLimited).
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ServerUnreachableError is returned when the quota-gate server cannot be contacted.
type ServerUnreachableError struct {
	// Cause is the underlying error that caused the server to be unreachable.
	Cause error
}

// Error returns a human-readable description of the server unreachable error.
func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

// Unwrap returns the underlying error cause.
func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}
