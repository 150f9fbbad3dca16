// Package resilience provides the failure-handling primitives used by the
// RPC execution pipeline.
//
// The package implements four patterns that compose into a dependable
// request path for unreliable upstream endpoints:
//
//   - Breaker: a global circuit breaker that fails fast after a run of
//     consecutive failures instead of continuing to hammer a failing
//     dependency.
//
//   - Retry: bounded retry with exponential backoff and jitter, driven by
//     a caller-supplied classifier so only transient failures are retried.
//
//   - WindowLimiter: a per-provider fixed-window request ceiling.
//
//   - Admission: concurrency and throughput admission control, the single
//     well-defined point for caller backpressure.
//
// Each primitive is safe for concurrent use and carries its configuration
// in a Config struct with documented defaults applied at construction.
package resilience
