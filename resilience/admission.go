package resilience

import (
	"context"
	"sync"
	"time"
)

// AdmissionConfig configures the admission queue.
type AdmissionConfig struct {
	// MaxConcurrent is the maximum number of in-flight requests.
	// Default: 20
	MaxConcurrent int

	// MaxPerInterval is the maximum number of admissions per interval.
	// Default: 50
	MaxPerInterval int

	// Interval is the throughput window length.
	// Default: 1 second
	Interval time.Duration
}

// Admission bounds both the number of concurrently in-flight requests and
// the overall admission rate. Every outbound call acquires a slot before
// doing anything else, so the client can never overwhelm a downstream
// provider regardless of caller burst volume.
type Admission struct {
	config AdmissionConfig
	sem    chan struct{}

	mu          sync.Mutex
	windowStart time.Time
	admitted    int
	active      int
	maxActive   int
	total       int64
	closed      bool
}

// AdmissionMetrics contains admission queue statistics.
type AdmissionMetrics struct {
	Active        int   `json:"active"`
	MaxActive     int   `json:"max_active"`
	MaxConcurrent int   `json:"max_concurrent"`
	Admitted      int64 `json:"admitted"`
}

// NewAdmission creates a new admission queue.
func NewAdmission(config AdmissionConfig) *Admission {
	// Apply defaults
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 20
	}
	if config.MaxPerInterval <= 0 {
		config.MaxPerInterval = 50
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}

	return &Admission{
		config:      config,
		sem:         make(chan struct{}, config.MaxConcurrent),
		windowStart: time.Now(),
	}
}

// Acquire blocks until a concurrency slot is free and the throughput window
// has room, or the context is cancelled. Callers must Release after the
// request completes.
func (a *Admission) Acquire(ctx context.Context) error {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := a.waitForWindow(ctx); err != nil {
		<-a.sem
		return err
	}

	return nil
}

// Release frees a concurrency slot.
func (a *Admission) Release() {
	select {
	case <-a.sem:
		a.mu.Lock()
		a.active--
		a.mu.Unlock()
	default:
		// Release without matching Acquire; nothing to free
	}
}

// Execute runs the operation within the admission bounds.
func (a *Admission) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := a.Acquire(ctx); err != nil {
		return err
	}
	defer a.Release()

	return op(ctx)
}

// Close rejects all future acquisitions.
func (a *Admission) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
}

// Metrics returns current admission statistics.
func (a *Admission) Metrics() AdmissionMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AdmissionMetrics{
		Active:        a.active,
		MaxActive:     a.maxActive,
		MaxConcurrent: a.config.MaxConcurrent,
		Admitted:      a.total,
	}
}

// waitForWindow blocks until the current throughput window has room, then
// claims an admission in it.
func (a *Admission) waitForWindow(ctx context.Context) error {
	for {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return ErrAdmissionClosed
		}
		now := time.Now()
		if now.Sub(a.windowStart) >= a.config.Interval {
			a.windowStart = now
			a.admitted = 0
		}
		if a.admitted < a.config.MaxPerInterval {
			a.admitted++
			a.total++
			a.active++
			if a.active > a.maxActive {
				a.maxActive = a.active
			}
			a.mu.Unlock()
			return nil
		}
		wait := a.config.Interval - now.Sub(a.windowStart)
		a.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
