package provider

import (
	"net/url"
	"sync"
	"time"
)

// Provider is one configured upstream RPC endpoint plus its mutable
// health and failure bookkeeping.
type Provider struct {
	name     string
	endpoint string

	mu        sync.Mutex
	healthy   bool
	failures  int
	lastProbe time.Time
}

// Status is an immutable view of a provider for diagnostics. Endpoint is
// reduced to its host since full URLs commonly embed API keys.
type Status struct {
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Healthy   bool      `json:"healthy"`
	Failures  int       `json:"failures"`
	LastProbe time.Time `json:"last_probe"`
}

// New creates a provider. Providers start healthy; the health checker
// demotes them on probe failure.
func New(name, endpoint string) *Provider {
	return &Provider{
		name:     name,
		endpoint: endpoint,
		healthy:  true,
	}
}

// Name returns the provider's identity.
func (p *Provider) Name() string { return p.name }

// Endpoint returns the provider's full endpoint URL.
func (p *Provider) Endpoint() string { return p.endpoint }

// Healthy reports the current health flag.
func (p *Provider) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// setHealth is written only by the HealthChecker.
func (p *Provider) setHealth(healthy bool, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
	p.lastProbe = at
	if healthy {
		p.failures = 0
	}
}

// RecordFailure increments the consecutive-failure counter and returns the
// new value.
func (p *Provider) RecordFailure() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	return p.failures
}

// ClearFailures resets the consecutive-failure counter after a successful
// request.
func (p *Provider) ClearFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
}

// Status returns a diagnostic view of the provider.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Status{
		Name:      p.name,
		Host:      hostOf(p.endpoint),
		Healthy:   p.healthy,
		Failures:  p.failures,
		LastProbe: p.lastProbe,
	}
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
