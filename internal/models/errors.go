package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the job queue and session layers. Handlers map these
// onto HTTP status codes; workers use them to decide between "back off and
// retry" and "move on to the next job".
var (
	// ErrNotFound indicates the requested job or session does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a status-guarded update matched zero
	// records: the job was not in the state the operation requires.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrQueueContended indicates the claim protocol lost the race for every
	// candidate within its attempt budget.
	ErrQueueContended = errors.New("queue contended")

	// ErrUnauthenticated indicates a missing, invalid, or expired session,
	// or realtime traffic sent before the auth handshake.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnavailable indicates the backing store could not be reached.
	// Callers treat this as transient and retry with backoff.
	ErrUnavailable = errors.New("store unavailable")

	// ErrInvalidInput indicates a request payload that failed normalization,
	// such as an unrecognized status string.
	ErrInvalidInput = errors.New("invalid input")
)

// RateLimitError is returned when an identity has exhausted its request
// budget. RetryAfter is the time remaining in the current window.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

// NotFoundError wraps ErrNotFound with the entity and ID that was missing.
func NotFoundError(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}
