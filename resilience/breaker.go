package resilience

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	// BreakerClosed means calls flow through normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen means all calls are rejected until the reset timeout
	// elapses.
	BreakerOpen
	// BreakerHalfOpen means a single probing call is allowed to test
	// whether the downstream recovered.
	BreakerHalfOpen
)

// String returns the string representation of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// breaker opens.
	// Default: 5
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// probing call.
	// Default: 30 seconds
	ResetTimeout time.Duration

	// OnStateChange is called when the breaker state changes.
	OnStateChange func(from, to BreakerState)
}

// Breaker implements the circuit breaker pattern.
//
// The breaker is global across providers: every failed outbound call counts
// against it regardless of which provider was used, so a correlated
// downstream outage trips the whole client into fail-fast mode.
type Breaker struct {
	config BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

// BreakerSnapshot contains circuit breaker statistics.
type BreakerSnapshot struct {
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure"`
}

// NewBreaker creates a new circuit breaker.
func NewBreaker(config BreakerConfig) *Breaker {
	// Apply defaults
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}

	return &Breaker{
		config: config,
		state:  BreakerClosed,
	}
}

// Allow reports whether a call may proceed. It returns ErrBreakerOpen while
// the breaker is open, and in half-open state admits exactly one probe; the
// caller must report the outcome via RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case BreakerOpen:
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
	}

	return nil
}

// RecordSuccess records a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		// Probe succeeded, close the circuit
		b.failures = 0
		b.probing = false
		b.setStateLocked(BreakerClosed)
	}
}

// RecordFailure records a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.setStateLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		// Probe failed, reopen and restart the reset timeout
		b.probing = false
		b.setStateLocked(BreakerOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// Snapshot returns the current breaker statistics.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerSnapshot{
		State:       b.currentStateLocked(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}

// Reset returns the breaker to the closed state with counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.setStateLocked(BreakerClosed)
}

func (b *Breaker) currentStateLocked() BreakerState {
	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.config.ResetTimeout {
		b.probing = false
		b.setStateLocked(BreakerHalfOpen)
	}
	return b.state
}

func (b *Breaker) setStateLocked(state BreakerState) {
	if state == b.state {
		return
	}
	from := b.state
	b.state = state
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(from, state)
	}
}
