package rpc

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainlens/solrpc/cache"
	"github.com/chainlens/solrpc/metrics"
	"github.com/chainlens/solrpc/provider"
	"github.com/chainlens/solrpc/resilience"
)

// ProviderConfig identifies one upstream RPC endpoint.
type ProviderConfig struct {
	// Name is the provider's identity, used in logs, metrics and rate-limit
	// keys. Endpoints are never logged in full since they commonly embed
	// API keys.
	Name string `json:"name"`

	// Endpoint is the full HTTP(S) URL of the JSON-RPC endpoint.
	Endpoint string `json:"endpoint"`
}

// Config configures the client. The zero value of every section applies
// that section's documented defaults; only Providers is required.
type Config struct {
	// Providers lists upstream endpoints in preference order. The first is
	// the initial preferred provider.
	Providers []ProviderConfig

	// ProbeMethod is the RPC method used for health probes.
	// Default: "getHealth"
	ProbeMethod string

	// Probe overrides the default HTTP health probe. Mainly for tests.
	Probe provider.ProbeFunc

	// HealthInterval is how often providers are probed.
	// Default: 30 seconds
	HealthInterval time.Duration

	// ProbeTimeout bounds each individual probe.
	// Default: 5 seconds
	ProbeTimeout time.Duration

	// SelectorRetryInterval is how long selection waits between scans when
	// no provider is currently usable.
	// Default: 1 second
	SelectorRetryInterval time.Duration

	// RateLimit is the per-provider request ceiling.
	RateLimit resilience.WindowLimiterConfig

	// Breaker is the global circuit breaker configuration.
	Breaker resilience.BreakerConfig

	// Retry configures ExecuteWithRetry. When RetryIf is nil, retry
	// decisions follow Kind.Retryable. A zero AttemptTimeout defaults to
	// 15 seconds; negative disables the per-attempt race.
	Retry resilience.RetryConfig

	// Admission bounds in-flight concurrency and overall admission rate.
	Admission resilience.AdmissionConfig

	// Cache is the response cache configuration.
	Cache cache.Config

	// Keyer overrides cache key generation.
	// Default: cache.DefaultKeyer
	Keyer cache.Keyer

	// JanitorInterval is how often expired cache entries are purged in the
	// background. Negative disables the janitor.
	// Default: 1 minute
	JanitorInterval time.Duration

	// Metrics configures the statistics collector.
	Metrics metrics.CollectorConfig

	// Workers is the batch worker pool size.
	// Default: runtime.NumCPU()
	Workers int

	// HTTPClient overrides the HTTP client used for RPC calls and probes.
	// Default: 30 second timeout client
	HTTPClient *http.Client

	// Logger receives client events. Silent by default.
	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.ProbeMethod == "" {
		c.ProbeMethod = "getHealth"
	}
	if c.SelectorRetryInterval <= 0 {
		c.SelectorRetryInterval = time.Second
	}
	if c.Keyer == nil {
		c.Keyer = cache.NewDefaultKeyer()
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = time.Minute
	}
	return c
}
