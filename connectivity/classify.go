package connectivity

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/hazyhaar/licita/tender"
)

// Classify maps a call error onto the engine's error taxonomy.
//
//	nil                         -> KindNone
//	*ErrCircuitOpen             -> KindCircuitOpen
//	deadline exceeded, net timeout -> KindTimeout
//	429, 5xx, connection errors -> KindTransient
//	other 4xx, malformed body, unbuildable request -> KindTerminal
//
// Connection resets, refusals and any other unrecognized error are
// transient, so a provider quirk never permanently disables retries.
func Classify(err error) tender.ErrorKind {
	if err == nil {
		return tender.KindNone
	}

	var open *ErrCircuitOpen
	if errors.As(err, &open) {
		return tender.KindCircuitOpen
	}

	var he *HTTPError
	if errors.As(err, &he) {
		if he.StatusCode == 429 || he.StatusCode >= 500 {
			return tender.KindTransient
		}
		return tender.KindTerminal
	}

	var malformed *ErrMalformedResponse
	if errors.As(err, &malformed) {
		return tender.KindTerminal
	}
	var bad *ErrBadRequest
	if errors.As(err, &bad) {
		return tender.KindTerminal
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return tender.KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return tender.KindTimeout
	}

	// Some transports flatten timeouts into plain strings.
	if isTimeoutMessage(strings.ToLower(err.Error())) {
		return tender.KindTimeout
	}
	return tender.KindTransient
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	switch Classify(err) {
	case tender.KindTransient, tender.KindTimeout:
		return !errors.Is(err, context.Canceled)
	}
	return false
}

// countsAgainstBreaker reports whether err is evidence that the source is
// unavailable. Client-side errors and caller cancellation are not.
func countsAgainstBreaker(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case tender.KindTerminal, tender.KindCircuitOpen:
		return false
	}
	return true
}

func isTimeoutMessage(msg string) bool {
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timed out")
}
