package connectivity

import (
	"fmt"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker for a source is open,
// rejecting the call without attempting any network I/O.
type ErrCircuitOpen struct {
	Source string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Source)
}

// HTTPError is returned by the HTTP transport for any non-2xx response.
// RetryAfter is zero when the provider did not send a usable Retry-After.
type HTTPError struct {
	Source     string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("connectivity: %s: status %d: %s", e.Source, e.StatusCode, e.Body)
}

// ErrMalformedResponse is returned when a 2xx body cannot be decoded by the
// source adapter. It is terminal: retrying the same request yields the same body.
type ErrMalformedResponse struct {
	Source string
	Cause  error
}

func (e *ErrMalformedResponse) Error() string {
	return fmt.Sprintf("connectivity: %s: malformed response: %v", e.Source, e.Cause)
}

func (e *ErrMalformedResponse) Unwrap() error { return e.Cause }

// ErrBadRequest is returned when an outbound request cannot even be built
// (invalid URL, unencodable parameters).
type ErrBadRequest struct {
	Source string
	Cause  error
}

func (e *ErrBadRequest) Error() string {
	return fmt.Sprintf("connectivity: %s: bad request: %v", e.Source, e.Cause)
}

func (e *ErrBadRequest) Unwrap() error { return e.Cause }

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}
