package access

import (
	"errors"
	"fmt"

	"github.com/Sentinel-Gate/quotagate/internal/domain/endpoint"
	"github.com/Sentinel-Gate/quotagate/internal/domain/ratelimit"
)

// Kind classifies an error so the transport can map it to a status code.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindForbidden  Kind = "forbidden"
	KindInternal   Kind = "internal"
)

// Code is the stable reason code of an error. Codes of security-relevant
// rejections are also carried by InvalidAccess events.
type Code string

const (
	CodeEndpointNotFound   Code = "ENDPOINT_NOT_FOUND"
	CodeEndpointInactive   Code = "ENDPOINT_INACTIVE"
	CodeInsufficientTier   Code = "INSUFFICIENT_TIER"
	CodeDuplicateEndpoint  Code = "DUPLICATE_ENDPOINT"
	CodeNoRateLimitDefined Code = "NO_RATE_LIMIT_DEFINED"
	CodeInvalidPath        Code = "INVALID_PATH"
	CodeInvalidRateLimit   Code = "INVALID_RATE_LIMIT"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeLogAppendFailed    Code = "LOG_APPEND_FAILED"
)

// Error is a typed admission failure.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, and by code when the target sets one.
// This lets errors.Is(err, ErrNotFound) succeed for any not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is checks by kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrForbidden  = &Error{Kind: KindForbidden}
	ErrInternal   = &Error{Kind: KindInternal}
)

func newError(kind Kind, code Code, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf classifies any error. Endpoint and limit validation errors map to
// KindValidation; anything unrecognized is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	switch {
	case errors.Is(err, endpoint.ErrInvalidPath),
		errors.Is(err, endpoint.ErrInvalidVerb),
		errors.Is(err, endpoint.ErrInvalidVisibility),
		errors.Is(err, ratelimit.ErrInvalidLimit):
		return KindValidation
	}
	return KindInternal
}

// CodeOf returns the code of a typed error, or "" for other errors.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// validationError wraps a construction error from the endpoint or
// ratelimit packages.
func validationError(err error) *Error {
	code := CodeInvalidRequest
	switch {
	case errors.Is(err, endpoint.ErrInvalidPath):
		code = CodeInvalidPath
	case errors.Is(err, ratelimit.ErrInvalidLimit):
		code = CodeInvalidRateLimit
	}
	return newError(KindValidation, code, err, "invalid definition")
}

// AsValidationError classifies a definition error from the endpoint or
// ratelimit packages. Typed errors are returned unchanged.
func AsValidationError(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return validationError(err)
}
