package errcode

import (
	"errors"
	"fmt"
	"time"
)

// Error is a code-carrying error returned by pipeline components.
type Error struct {
	Code string
	Msg  string
	// RetryAfter is a hint for callers of ResourceExhausted errors.
	RetryAfter time.Duration
	Err        error
}

const (
	Unknown            = "Unknown"
	ConfigurationError = "ConfigurationError"
	ResourceExhausted  = "ResourceExhausted"
	DetectionFailure   = "DetectionFailure"
	GenerationFailure  = "GenerationFailure"
	GenerationTimeout  = "GenerationTimeout"
	NoIngredients      = "NoIngredients"
	CacheUnavailable   = "CacheUnavailable"
	Cancelled          = "Cancelled"
	InvalidRequest     = "InvalidRequest"
	Internal           = "Internal"
)

// Error returns a string version of the error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recipe pipeline: %s - %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("recipe pipeline: %s - %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error with the given code.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error with the given code that wraps err.
func Wrap(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Exhausted returns a ResourceExhausted error carrying a retry-after hint.
func Exhausted(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Code: ResourceExhausted, Msg: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// CanonicalCode returns the code of the first Error in err's chain.
func CanonicalCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return CanonicalCode(err) == code
}

// RetryAfter returns the retry-after hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Retryable reports whether a stage failure may be retried inside the orchestrator.
// Resource exhaustion and cancellation are left to the caller.
func Retryable(err error) bool {
	switch CanonicalCode(err) {
	case DetectionFailure, GenerationFailure, GenerationTimeout:
		return true
	default:
		return false
	}
}
