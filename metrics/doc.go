// Package metrics collects request-level statistics for the RPC execution
// pipeline: lifetime totals, per-method stats, a latency-bucket histogram,
// and a rolling window of recent requests for live-rate calculations.
//
// All writes happen inside the request-completion path; readers get
// immutable snapshots. Measurements are additionally recorded through
// OpenTelemetry instruments so an embedding process can export them with
// whatever reader it has installed.
package metrics
