package sender

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a delivery failure.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network errors, timeouts, 5xx responses.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the collector asked the client to slow down.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates the collector rejected the batch for good.
	// Examples: malformed payload, unknown instrumentation key.
	ErrorClassPermanent ErrorClass = "permanent"
)

// DeliveryError is a classified send failure.
type DeliveryError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// StatusCode is the HTTP status, zero for transport failures.
	StatusCode int `json:"status_code,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status=%d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *DeliveryError) Is(target error) bool {
	t, ok := target.(*DeliveryError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithCode adds an error code to an error.
func (e *DeliveryError) WithCode(code string) *DeliveryError {
	e.Code = code
	return e
}

// WithStatus records the HTTP status of the failed request.
func (e *DeliveryError) WithStatus(status int) *DeliveryError {
	e.StatusCode = status
	return e
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *DeliveryError {
	return &DeliveryError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *DeliveryError {
	return &DeliveryError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *DeliveryError {
	return &DeliveryError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable.
func IsRetryable(err error) bool {
	var e *DeliveryError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient || e.Class == ErrorClassThrottled
	}
	return false
}

// Common error codes.
const (
	ErrCodeTransport   = "TRANSPORT_ERROR"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeRateLimited = "RATE_LIMITED"
	ErrCodeServerError = "SERVER_ERROR"
	ErrCodeRejected    = "REJECTED"
	ErrCodeEncoding    = "ENCODING_ERROR"
	ErrCodeBadEndpoint = "BAD_ENDPOINT"
	ErrCodePartial     = "PARTIAL_SUCCESS"
	ErrCodeLimiterWait = "LIMITER_WAIT"
)
