// Package errs defines the sentinel errors shared across the aggregation
// and merge pipeline, and the classification helpers the LLM Dispatcher
// uses to decide whether a failure is worth retrying.
package errs

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrEventNotFound is returned when a referenced event id does not
	// exist in the context set or in storage.
	ErrEventNotFound = errors.New("event not found")

	// ErrEventNotActive is returned when a merge precondition requires an
	// event to be active but it is merged or deleted.
	ErrEventNotActive = errors.New("event is not active")

	// ErrNoContext names the case of no context events to hand the LLM. No
	// package in this module returns it: the Aggregation Engine runs with
	// an empty context set.
	ErrNoContext = errors.New("no context events available")

	// ErrMissingNews names news items left unassigned after the
	// straggler-retry budget is spent. No package in this module returns
	// it: the Aggregation Engine reports such ids in Summary.FailedIDs.
	ErrMissingNews = errors.New("news items missing from LLM response")

	// ErrInvalidLLMOutput names a model response that cannot be parsed or
	// repaired. No package in this module returns it: the dispatcher marks
	// the whole batch missing instead.
	ErrInvalidLLMOutput = errors.New("invalid LLM output")

	// ErrAPIKeyRequired is returned when the LLM client is constructed
	// without an API key available from config or environment.
	ErrAPIKeyRequired = errors.New("LLM API key required")
)

// IsRetryable reports whether err represents a transient condition the LLM
// Dispatcher should retry (network/timeout/5xx/rate-limit), as opposed to a
// validation or programmer error that retrying cannot fix.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var statusErr interface{ StatusCode() int }
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode()
		return code == 429 || code >= 500
	}

	return false
}
