package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ProbeFunc issues a lightweight liveness probe against one provider.
type ProbeFunc func(ctx context.Context, p *Provider) error

// HealthCheckerConfig configures the health checker.
type HealthCheckerConfig struct {
	// Interval between probe rounds.
	// Default: 30 seconds
	Interval time.Duration

	// ProbeTimeout bounds each individual probe.
	// Default: 5 seconds
	ProbeTimeout time.Duration

	// Logger receives health transitions.
	Logger zerolog.Logger
}

// HealthChecker periodically probes every provider and flips its health
// flag. It is the sole writer of provider health.
type HealthChecker struct {
	config    HealthCheckerConfig
	probe     ProbeFunc
	providers []*Provider

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewHealthChecker creates a health checker over the given providers.
func NewHealthChecker(providers []*Provider, probe ProbeFunc, config HealthCheckerConfig) *HealthChecker {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}

	return &HealthChecker{
		config:    config,
		probe:     probe,
		providers: providers,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background probe loop. An immediate round runs before
// the first tick so startup does not wait a full interval for health data.
func (h *HealthChecker) Start() {
	h.startOnce.Do(func() {
		go h.run()
	})
}

// Stop terminates the probe loop and waits for it to exit, so shutdown
// deterministically stops all background activity.
func (h *HealthChecker) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	<-h.done
}

// CheckNow runs one probe round synchronously.
func (h *HealthChecker) CheckNow(ctx context.Context) {
	for _, p := range h.providers {
		h.checkOne(ctx, p)
	}
}

func (h *HealthChecker) run() {
	defer close(h.done)

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	h.CheckNow(context.Background())

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.CheckNow(context.Background())
		}
	}
}

func (h *HealthChecker) checkOne(ctx context.Context, p *Provider) {
	probeCtx, cancel := context.WithTimeout(ctx, h.config.ProbeTimeout)
	defer cancel()

	wasHealthy := p.Healthy()
	err := h.probe(probeCtx, p)
	now := time.Now()

	if err != nil {
		p.setHealth(false, now)
		if wasHealthy {
			h.config.Logger.Warn().
				Str("provider", p.Name()).
				Err(err).
				Msg("provider failed health probe")
		}
		return
	}

	p.setHealth(true, now)
	if !wasHealthy {
		h.config.Logger.Info().
			Str("provider", p.Name()).
			Msg("provider recovered")
	}
}
