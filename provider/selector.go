package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Limiter is the rate-limit view the selector consults; satisfied by
// resilience.WindowLimiter.
type Limiter interface {
	Allow(key string) bool
}

// SelectorConfig configures provider selection.
type SelectorConfig struct {
	// RetryInterval is how long to wait before re-scanning when no
	// provider is usable. The wait is the client's self-throttling
	// backpressure instead of an unbounded error storm.
	// Default: 1 second
	RetryInterval time.Duration

	// Limiter is consulted so a rate-limited provider is skipped. When
	// nil, rate limits are not considered.
	Limiter Limiter

	// Logger receives provider-switch events.
	Logger zerolog.Logger
}

// Selector chooses a healthy, non-rate-limited provider, preferring the
// last-used one and switching preference on failover.
type Selector struct {
	config SelectorConfig

	mu        sync.Mutex
	providers []*Provider
	preferred int
}

// ErrNoProviders is returned when a selector is constructed without
// providers.
var ErrNoProviders = errors.New("provider: no providers configured")

// NewSelector creates a selector over the given providers. The first
// provider is the initial preference.
func NewSelector(providers []*Provider, config SelectorConfig) (*Selector, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = time.Second
	}

	return &Selector{
		config:    config,
		providers: providers,
	}, nil
}

// Select returns a usable provider, waiting RetryInterval between scans
// when none currently qualifies. It never returns an unhealthy or
// rate-limited provider.
func (s *Selector) Select(ctx context.Context) (*Provider, error) {
	for {
		if p := s.pick(); p != nil {
			return p, nil
		}

		s.config.Logger.Warn().
			Dur("retry_in", s.config.RetryInterval).
			Msg("no usable provider, waiting")

		timer := time.NewTimer(s.config.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// pick returns the preferred provider if usable, otherwise the first
// usable alternate (moving the preference to it), otherwise nil.
func (s *Selector) pick() *Provider {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p := s.providers[s.preferred]; s.usable(p) {
		return p
	}

	for i, p := range s.providers {
		if i == s.preferred || !s.usable(p) {
			continue
		}
		s.config.Logger.Info().
			Str("from", s.providers[s.preferred].Name()).
			Str("to", p.Name()).
			Msg("switching preferred provider")
		s.preferred = i
		return p
	}

	return nil
}

func (s *Selector) usable(p *Provider) bool {
	if !p.Healthy() {
		return false
	}
	if s.config.Limiter != nil && !s.config.Limiter.Allow(p.Name()) {
		return false
	}
	return true
}

// Preferred returns the name of the currently preferred provider.
func (s *Selector) Preferred() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providers[s.preferred].Name()
}

// Statuses returns diagnostic views of all providers.
func (s *Selector) Statuses() []Status {
	s.mu.Lock()
	providers := append([]*Provider(nil), s.providers...)
	s.mu.Unlock()

	statuses := make([]Status, len(providers))
	for i, p := range providers {
		statuses[i] = p.Status()
	}
	return statuses
}
