package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/chainlens/solrpc"

// CollectorConfig configures the metrics collector.
type CollectorConfig struct {
	// Window is how long individual request samples are retained for
	// live-rate calculations. Lifetime counters are unaffected.
	// Default: 60 seconds
	Window time.Duration

	// BucketWidth is the width of one latency histogram bucket.
	// Default: 100ms
	BucketWidth time.Duration

	// Buckets is the number of latency buckets; latencies beyond the last
	// bucket land in an overflow bucket.
	// Default: 10
	Buckets int

	// Meter overrides the OpenTelemetry meter. When nil the ambient
	// provider is used, which is a no-op unless the embedding process
	// installed one.
	Meter metric.Meter
}

// Collector accumulates request statistics.
type Collector struct {
	config CollectorConfig

	mu            sync.Mutex
	totalRequests uint64
	totalErrors   uint64
	totalLatency  time.Duration
	buckets       []uint64 // len = Buckets+1, last is overflow
	perMethod     map[string]*methodStats
	samples       []sample

	otelTotal    metric.Int64Counter
	otelErrors   metric.Int64Counter
	otelDuration metric.Float64Histogram
}

type methodStats struct {
	count        uint64
	errors       uint64
	totalLatency time.Duration
}

type sample struct {
	at      time.Time
	isError bool
}

// MethodStats is the per-method aggregate in a snapshot.
type MethodStats struct {
	Count        uint64  `json:"count"`
	Errors       uint64  `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Snapshot is a point-in-time view of collected statistics.
type Snapshot struct {
	TotalRequests     uint64                 `json:"total_requests"`
	TotalErrors       uint64                 `json:"total_errors"`
	AvgLatencyMs      float64                `json:"avg_latency_ms"`
	LatencyBuckets    []uint64               `json:"latency_buckets"`
	BucketWidthMs     int64                  `json:"bucket_width_ms"`
	PerMethod         map[string]MethodStats `json:"per_method"`
	RequestsPerMinute float64                `json:"requests_per_minute"`
	WindowErrors      uint64                 `json:"window_errors"`
}

// NewCollector creates a new collector. Instrument creation only fails on
// invalid instrument names, so the error path is effectively configuration
// errors in a custom meter.
func NewCollector(config CollectorConfig) (*Collector, error) {
	// Apply defaults
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if config.BucketWidth <= 0 {
		config.BucketWidth = 100 * time.Millisecond
	}
	if config.Buckets <= 0 {
		config.Buckets = 10
	}
	meter := config.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}

	total, err := meter.Int64Counter(
		"rpc.client.requests",
		metric.WithDescription("Total number of RPC requests executed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	errCount, err := meter.Int64Counter(
		"rpc.client.errors",
		metric.WithDescription("Total number of failed RPC requests"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"rpc.client.duration_ms",
		metric.WithDescription("RPC request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Collector{
		config:       config,
		buckets:      make([]uint64, config.Buckets+1),
		perMethod:    make(map[string]*methodStats),
		otelTotal:    total,
		otelErrors:   errCount,
		otelDuration: duration,
	}, nil
}

// Record registers one completed request.
func (c *Collector) Record(ctx context.Context, method string, latency time.Duration, err error) {
	opt := metric.WithAttributes(attribute.String("rpc.method", method))
	c.otelTotal.Add(ctx, 1, opt)
	if err != nil {
		c.otelErrors.Add(ctx, 1, opt)
	}
	c.otelDuration.Record(ctx, float64(latency.Milliseconds()), opt)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++
	c.totalLatency += latency
	if err != nil {
		c.totalErrors++
	}

	idx := int(latency / c.config.BucketWidth)
	if idx >= len(c.buckets) {
		idx = len(c.buckets) - 1
	}
	c.buckets[idx]++

	ms, ok := c.perMethod[method]
	if !ok {
		ms = &methodStats{}
		c.perMethod[method] = ms
	}
	ms.count++
	ms.totalLatency += latency
	if err != nil {
		ms.errors++
	}

	now := time.Now()
	c.samples = append(c.samples, sample{at: now, isError: err != nil})
	c.pruneLocked(now)
}

// Snapshot returns a copy of all collected statistics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.pruneLocked(now)

	snap := Snapshot{
		TotalRequests:  c.totalRequests,
		TotalErrors:    c.totalErrors,
		LatencyBuckets: append([]uint64(nil), c.buckets...),
		BucketWidthMs:  c.config.BucketWidth.Milliseconds(),
		PerMethod:      make(map[string]MethodStats, len(c.perMethod)),
	}

	if c.totalRequests > 0 {
		snap.AvgLatencyMs = float64(c.totalLatency.Milliseconds()) / float64(c.totalRequests)
	}

	for method, ms := range c.perMethod {
		stat := MethodStats{Count: ms.count, Errors: ms.errors}
		if ms.count > 0 {
			stat.AvgLatencyMs = float64(ms.totalLatency.Milliseconds()) / float64(ms.count)
		}
		snap.PerMethod[method] = stat
	}

	for _, s := range c.samples {
		if s.isError {
			snap.WindowErrors++
		}
	}
	snap.RequestsPerMinute = float64(len(c.samples)) * float64(time.Minute) / float64(c.config.Window)

	return snap
}

// pruneLocked drops samples older than the rolling window.
func (c *Collector) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.config.Window)
	drop := 0
	for drop < len(c.samples) && c.samples[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		c.samples = append(c.samples[:0], c.samples[drop:]...)
	}
}
