package helix

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized is returned when a request is rejected with 401 after
	// one token refresh.
	ErrUnauthorized = errors.New("helix: unauthorized")
	// ErrForbidden is returned on 403, usually a missing scope.
	ErrForbidden = errors.New("helix: forbidden")
	// ErrBadRequest is returned on 400 (malformed or unknown condition).
	ErrBadRequest = errors.New("helix: bad request")
	// ErrNotFound is returned on 404.
	ErrNotFound = errors.New("helix: not found")
	// ErrConflict is returned on 409: the subscription already exists.
	ErrConflict = errors.New("helix: subscription already exists")
	// ErrRateLimited is returned when a 429 persists after waiting for reset.
	ErrRateLimited = errors.New("helix: rate limited")
	// ErrBackend is returned on 5xx responses.
	ErrBackend = errors.New("helix: server error")
	// ErrCircuitOpen is returned when the circuit breaker is open and requests
	// are being skipped to avoid hammering a failing API.
	ErrCircuitOpen = errors.New("helix: circuit breaker open, requests temporarily suspended")
)

// APIError is a non-2xx Helix response. It unwraps to the sentinel matching
// its status code.
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Operation, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case e.StatusCode == http.StatusBadRequest:
		return ErrBadRequest
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusConflict:
		return ErrConflict
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrBackend
	}
	return nil
}
