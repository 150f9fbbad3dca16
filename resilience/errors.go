package resilience

import "errors"

// Sentinel errors for resilience operations.
var (
	// ErrBreakerOpen is returned when the circuit breaker is open and the
	// call must fail fast without attempting network I/O.
	ErrBreakerOpen = errors.New("resilience: circuit breaker is open")

	// ErrAttemptTimeout is returned when a single attempt exceeds its
	// per-attempt timeout.
	ErrAttemptTimeout = errors.New("resilience: attempt timed out")

	// ErrRateLimited is returned when a provider's request window is full.
	ErrRateLimited = errors.New("resilience: rate limit exceeded")

	// ErrAdmissionClosed is returned when the admission queue has been
	// shut down.
	ErrAdmissionClosed = errors.New("resilience: admission queue closed")
)
