package resilience

import (
	"sync"
	"time"
)

// WindowLimiterConfig configures the fixed-window rate limiter.
type WindowLimiterConfig struct {
	// MaxRequests is the number of requests allowed per key per window.
	// Default: 50
	MaxRequests int

	// Interval is the window length.
	// Default: 1 second
	Interval time.Duration
}

// WindowLimiter enforces a per-key request ceiling over a rolling fixed
// window. Keys are provider names; each key keeps an independent counter
// and window start.
type WindowLimiter struct {
	config WindowLimiterConfig

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

// NewWindowLimiter creates a new fixed-window rate limiter.
func NewWindowLimiter(config WindowLimiterConfig) *WindowLimiter {
	// Apply defaults
	if config.MaxRequests <= 0 {
		config.MaxRequests = 50
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}

	return &WindowLimiter{
		config:  config,
		windows: make(map[string]*window),
	}
}

// Allow reports whether one more request for key fits in the current
// window, consuming a slot if it does. A denied call has no side effects;
// callers must switch keys or wait rather than spin on the same key.
func (l *WindowLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windowLocked(key)
	if w.count >= l.config.MaxRequests {
		return false
	}
	w.count++
	return true
}

// Remaining returns the number of slots left in the current window for key.
func (l *WindowLimiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windowLocked(key)
	remaining := l.config.MaxRequests - w.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset clears the window for key.
func (l *WindowLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

func (l *WindowLimiter) windowLocked(key string) *window {
	now := time.Now()
	w, ok := l.windows[key]
	if !ok {
		w = &window{start: now}
		l.windows[key] = w
		return w
	}
	if now.Sub(w.start) >= l.config.Interval {
		w.start = now
		w.count = 0
	}
	return w
}
