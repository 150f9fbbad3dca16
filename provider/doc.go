// Package provider manages upstream RPC endpoints: per-provider health and
// failure bookkeeping, sticky preferred-provider selection with failover,
// and a periodic background health checker.
//
// Health flags are written exclusively by the HealthChecker; request
// outcomes only touch the consecutive-failure counter. A provider marked
// unhealthy is deprioritized, not excluded: the next successful probe
// restores it.
package provider
