package batch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Task is one unit of work: a type tag plus an opaque payload.
type Task struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Handler processes the payload of one task type.
type Handler func(ctx context.Context, payload any) (any, error)

// TaskError is a per-task failure that retains the originating task for
// diagnostics.
type TaskError struct {
	Task Task
	Err  error
}

// Error implements the error interface.
func (e TaskError) Error() string {
	return fmt.Sprintf("batch: task %q failed: %v", e.Task.Type, e.Err)
}

// Unwrap returns the underlying cause.
func (e TaskError) Unwrap() error { return e.Err }

// Sentinel errors for batch processing.
var (
	// ErrUnknownTaskType is returned for a task whose type has no
	// registered handler. It fails only that task, never the batch.
	ErrUnknownTaskType = errors.New("batch: unknown task type")

	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("batch: worker pool closed")
)

// WorkerCrashError reports a worker panic. The crash is isolated to the
// chunk that was in flight.
type WorkerCrashError struct {
	Dispatch string // correlation id
	Panic    any
}

func (e *WorkerCrashError) Error() string {
	return fmt.Sprintf("batch: worker crashed during dispatch %s: %v", e.Dispatch, e.Panic)
}

// WorkerTimeoutError reports a dispatch that exceeded its timeout. The
// worker slot is freed; the straggler is abandoned, not cancelled.
type WorkerTimeoutError struct {
	Dispatch string
	Timeout  time.Duration
}

func (e *WorkerTimeoutError) Error() string {
	return fmt.Sprintf("batch: dispatch %s timed out after %v", e.Dispatch, e.Timeout)
}

// Stats summarizes one ProcessBatch call.
type Stats struct {
	Tasks     int           `json:"tasks"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Chunks    int           `json:"chunks"`
	Retries   int           `json:"retries"`
	Duration  time.Duration `json:"duration"`
}

// BatchResult partitions a processed batch into successes and failures.
type BatchResult struct {
	Results []any
	Errors  []TaskError
	Stats   Stats
}

// Options configures one ProcessBatch call.
type Options struct {
	// BatchSize is the number of tasks per chunk.
	// Default: 10
	BatchSize int

	// Timeout bounds each chunk dispatch.
	// Default: 30 seconds
	Timeout time.Duration

	// Retries is how many times a crashed or timed-out chunk is
	// re-dispatched before its tasks are reported as failed. Negative
	// disables retries.
	// Default: 2
	Retries int

	// RetryDelay is the initial backoff between chunk retries; it doubles
	// per attempt.
	// Default: 200ms
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	} else if o.Retries == 0 {
		o.Retries = 2
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	return o
}

// chunkTasks splits tasks into groups of at most size, preserving order.
func chunkTasks(tasks []Task, size int) [][]Task {
	chunks := make([][]Task, 0, (len(tasks)+size-1)/size)
	for start := 0; start < len(tasks); start += size {
		end := start + size
		if end > len(tasks) {
			end = len(tasks)
		}
		chunks = append(chunks, tasks[start:end])
	}
	return chunks
}
