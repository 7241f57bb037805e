package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// AppError is an error with the HTTP status and code clients see.
type AppError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Status  int                    `json:"-"`
	// RetryAfter is sent as the Retry-After header when positive.
	RetryAfter time.Duration `json:"-"`
	Err        error         `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(code, field, message string, status int) *AppError {
	return &AppError{Code: code, Field: field, Message: message, Status: status}
}

// WithError keeps err for logs; it is never serialized.
func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

func (e *AppError) retryAfterSeconds() string {
	s := int((e.RetryAfter + time.Second - 1) / time.Second)
	return strconv.Itoa(s)
}

func NotFoundErrorf(format string, a ...interface{}) *AppError {
	return NewAppError("ERR_NOT_FOUND", "", fmt.Sprintf(format, a...), http.StatusNotFound)
}

func BadRequestErrorf(format string, a ...interface{}) *AppError {
	return NewAppError("ERR_BAD_REQUEST", "", fmt.Sprintf(format, a...), http.StatusBadRequest)
}

// UnavailableErrorf reports a backing store that cannot be reached.
func UnavailableErrorf(format string, a ...interface{}) *AppError {
	return NewAppError("ERR_UNAVAILABLE", "", fmt.Sprintf(format, a...), http.StatusServiceUnavailable)
}

// RateLimitedErrorf answers 429 and tells the client when to retry.
func RateLimitedErrorf(retryAfter time.Duration, format string, a ...interface{}) *AppError {
	e := NewAppError("ERR_RATE_LIMITED", "", fmt.Sprintf(format, a...), http.StatusTooManyRequests)
	e.RetryAfter = retryAfter
	return e
}
