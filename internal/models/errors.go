package models

import (
	"errors"
	"net/http"
	"strings"
)

// Code classifies a service error for callers and for the transport
// status mapping.
type Code string

const (
	CodeFeedUnavailable Code = "FEED_UNAVAILABLE" // upstream absent or failing; retryable
	CodeRateLimited     Code = "RATE_LIMITED"     // permit not acquired in time
	CodeCircuitOpen     Code = "CIRCUIT_OPEN"     // gate failing fast until cooldown
	CodeInvalidArgument Code = "INVALID_ARGUMENT" // malformed RIC or empty request
	CodeNotRunning      Code = "NOT_RUNNING"      // adapter not in RUNNING state
	CodeMalformed       Code = "MALFORMED"        // unparseable upstream message
	CodeSlowConsumer    Code = "SLOW_CONSUMER"    // subscriber evicted by backpressure
	CodeValidation      Code = "VALIDATION_ERROR" // data-quality failure of one update
)

// Error carries a classified failure with the operation and instrument
// it occurred on. RIC and Err may be empty.
type Error struct {
	Code Code
	Op   string
	RIC  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Code))
	if e.RIC != "" {
		b.WriteString(" ric=")
		b.WriteString(e.RIC)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error. op names the failing operation, ric the
// instrument when one applies; either may be empty. err is the cause
// and may be nil.
func E(code Code, op, ric string, err error) *Error {
	return &Error{Code: code, Op: op, RIC: ric, Err: err}
}

// IsCode reports whether err or anything it wraps carries the given code.
func IsCode(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// CodeOf extracts the code from err, or "" for unclassified errors.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Retryable reports whether the gate's retry policy may re-attempt after
// this error. Only upstream availability failures qualify.
func Retryable(err error) bool {
	return IsCode(err, CodeFeedUnavailable)
}

// HTTPStatus maps a service error to its REST status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeCircuitOpen, CodeFeedUnavailable, CodeNotRunning:
		return http.StatusServiceUnavailable
	case CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
