// Package rpc provides a resilient Solana JSON-RPC client.
//
// Every request flows through a fixed pipeline: response cache, admission
// control, circuit breaker, provider selection, rate limiting, and the
// HTTP transport. A fresh cache hit short-circuits the pipeline entirely;
// a request that fails after all retries may still be served from a
// bounded stale-cache window. Identical concurrent requests are
// deduplicated so only one flight reaches the upstream.
//
// The client degrades gracefully: provider failover is automatic, a
// correlated outage trips a global circuit breaker into fail-fast mode,
// and batch work runs on a crash-isolated worker pool.
package rpc
