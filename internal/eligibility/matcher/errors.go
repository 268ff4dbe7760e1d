package matcher

import (
	"errors"
	"fmt"
)

// ErrorCategory defines the normalized failure taxonomy for the benefits authority.
type ErrorCategory string

const (
	// ErrorTimeout indicates a protocol step exceeded its deadline
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorTransport indicates the request never produced an HTTP response
	ErrorTransport ErrorCategory = "transport"

	// ErrorBadData indicates a malformed or unparseable response body
	ErrorBadData ErrorCategory = "bad_data"

	// ErrorUnexpectedStatus indicates a status code the protocol does not map
	ErrorUnexpectedStatus ErrorCategory = "unexpected_status"

	// ErrorRateLimited indicates the authority asked us to slow down
	ErrorRateLimited ErrorCategory = "rate_limited"

	// ErrorOutage indicates a 5xx from the authority
	ErrorOutage ErrorCategory = "outage"

	// ErrorUnsupported indicates the payload cannot be sent to the authority
	ErrorUnsupported ErrorCategory = "unsupported"
)

// Error wraps an external matcher failure with its category and step.
type Error struct {
	Category   ErrorCategory
	Step       Step
	StatusCode int
	Message    string
	Underlying error
	Retryable  bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("matcher %s [%s]: %s", e.Step, e.Category, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", msg, e.Underlying)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

func newError(category ErrorCategory, step Step, message string, underlying error) *Error {
	retryable := category == ErrorTransport ||
		category == ErrorRateLimited ||
		category == ErrorOutage

	return &Error{
		Category:   category,
		Step:       step,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

func statusError(step Step, status int) *Error {
	category := ErrorUnexpectedStatus
	switch {
	case status == 429:
		category = ErrorRateLimited
	case status >= 500:
		category = ErrorOutage
	}
	e := newError(category, step, "unexpected response status", nil)
	e.StatusCode = status
	return e
}

// IsRetryable reports whether a transport-level retry within the step may help.
func IsRetryable(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Retryable
	}
	return false
}

// CategoryOf extracts the error category, defaulting to transport.
func CategoryOf(err error) ErrorCategory {
	var me *Error
	if errors.As(err, &me) {
		return me.Category
	}
	return ErrorTransport
}
