// Package errors classifies orchestrator errors into a transient/
// permanent taxonomy, and provides the backoff and circuit breaker
// helpers built on top of that classification.
package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// TransientError marks an error as retryable: network timeouts, 5xx
// responses, rate limits, subprocess timeouts, DB conflicts.
type TransientError struct {
	Err        error
	RetryAfter int // seconds, from a Retry-After header; 0 if unknown
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an error as non-retryable: malformed payload,
// missing agent, auth failure, repo not found, unfixable validation
// failure.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewTransient wraps err as a TransientError.
func NewTransient(err error) *TransientError { return &TransientError{Err: err} }

// NewPermanent wraps err as a PermanentError.
func NewPermanent(err error) *PermanentError { return &PermanentError{Err: err} }

// IsTransient reports whether err should be retried. Explicit markers win;
// otherwise it falls back to inspecting network errors and HTTP status
// codes embedded in the error text, since agents frequently report
// downstream failures as plain wrapped errors rather than typed ones.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	if isNetworkError(err) {
		return true
	}

	if code := extractHTTPStatusCode(err); code > 0 {
		return isTransientHTTPStatus(code)
	}

	return false
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return true
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return false
	}

	if code := extractHTTPStatusCode(err); code > 0 {
		return isPermanentHTTPStatus(code)
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{"not found", "permission denied", "unauthorized", "forbidden", "invalid", "bad request"} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "timeout", "deadline exceeded", "connection reset", "broken pipe"} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isPermanentHTTPStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func extractHTTPStatusCode(err error) int {
	lower := strings.ToLower(err.Error())
	for _, code := range []int{400, 401, 403, 404, 409, 422, 429, 500, 502, 503, 504} {
		if strings.Contains(lower, fmt.Sprintf("%d", code)) {
			return code
		}
	}
	return 0
}
