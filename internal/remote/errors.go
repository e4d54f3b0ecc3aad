package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is implemented by every failure a remote collaborator reports over HTTP.
type Error interface {
	error
	Collaborator() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type statusError struct {
	collaborator string
	statusCode   int
	message      string
	retryable    bool
	retryAfter   *time.Duration
}

func (e *statusError) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = http.StatusText(e.statusCode)
	}
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s: status %d: %s", e.collaborator, e.statusCode, msg)
}
func (e *statusError) Collaborator() string       { return e.collaborator }
func (e *statusError) StatusCode() int            { return e.statusCode }
func (e *statusError) Retryable() bool            { return e.retryable }
func (e *statusError) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ statusError }
type AuthenticationError struct{ statusError }
type NotFoundError struct{ statusError }
type RequestTimeoutError struct{ statusError }
type ContentFilterError struct{ statusError }
type RateLimitError struct{ statusError }
type ServerError struct{ statusError }
type UnknownHTTPError struct{ statusError }

// ErrorFromHTTPStatus maps a non-2xx response to a typed error. Rate limits,
// timeouts and server errors are retryable; caller mistakes are not.
func ErrorFromHTTPStatus(collaborator string, statusCode int, message string, retryAfter *time.Duration) error {
	base := statusError{
		collaborator: strings.TrimSpace(collaborator),
		statusCode:   statusCode,
		message:      message,
		retryAfter:   retryAfter,
	}
	switch statusCode {
	case 400, 422:
		lower := strings.ToLower(message)
		if strings.Contains(lower, "content filter") || strings.Contains(lower, "safety") {
			return &ContentFilterError{base}
		}
		return &InvalidRequestError{base}
	case 401, 403:
		return &AuthenticationError{base}
	case 404:
		return &NotFoundError{base}
	case 408:
		base.retryable = true
		return &RequestTimeoutError{base}
	case 429:
		base.retryable = true
		return &RateLimitError{base}
	case 500, 502, 503, 504:
		base.retryable = true
		return &ServerError{base}
	default:
		base.retryable = statusCode >= 500
		return &UnknownHTTPError{base}
	}
}

// ParseRetryAfter parses a Retry-After header given as seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := max(t.Sub(now), 0)
		return &d
	}
	return nil
}

func IsRateLimited(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}
