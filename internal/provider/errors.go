// Package provider is an HTTP client for the remote calendar provider API,
// with rate limiting, retry with exponential backoff, and error classification.
package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, provider.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("provider: bad request")
	ErrUnauthorized = errors.New("provider: unauthorized")
	ErrForbidden    = errors.New("provider: forbidden")
	ErrNotFound     = errors.New("provider: not found")
	ErrGone         = errors.New("provider: resource gone")
	ErrThrottled    = errors.New("provider: throttled")
	ErrServerError  = errors.New("provider: server error")

	// ErrMalformed means a response decoded but an item in it could not be
	// converted. Not retryable.
	ErrMalformed = errors.New("provider: malformed item")
)

// APIError wraps a sentinel error with the HTTP status code, request ID,
// and the response body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("provider: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("provider: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ItemError reports a single unconvertible item. Unwraps to ErrMalformed.
type ItemError struct {
	Index  int
	ID     string
	Reason string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("provider: item %d (id %q): %s", e.Index, e.ID, e.Reason)
}

func (e *ItemError) Unwrap() error {
	return ErrMalformed
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a sentinel.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
