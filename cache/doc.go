// Package cache provides the bounded, TTL-based response cache used by the
// RPC execution pipeline.
//
// Keys are a deterministic encoding of method plus positional parameters,
// so identical logical requests hit the same entry regardless of caller.
// The store is LRU-bounded with per-entry TTL; expired entries may still be
// served through GetStale as an explicit degraded-availability measure when
// no live provider can produce a fresh value.
package cache
