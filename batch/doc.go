// Package batch provides a fixed-size worker pool for chunked task
// processing with crash isolation.
//
// Tasks are split into chunks and dispatched to idle workers; chunks queue
// FIFO when all workers are busy. A panicking worker only fails the chunk
// it was processing and is respawned in place, so pool capacity never
// shrinks. Each dispatch carries a correlation id and is raced against a
// timeout; timed-out and crashed chunks are retried a bounded number of
// times with exponential backoff before their tasks are reported as
// failed.
//
// Per-task errors are collected, never thrown: callers always receive a
// complete results/errors partition rather than an all-or-nothing failure.
package batch
