package batch

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PoolConfig configures the worker pool.
type PoolConfig struct {
	// Workers is the fixed pool size.
	// Default: runtime.NumCPU()
	Workers int

	// Logger receives dispatch, crash and respawn events.
	Logger zerolog.Logger
}

// WorkerPool executes chunked task batches on a fixed set of workers.
//
// Invariants: each worker has at most one in-flight dispatch, and each
// dispatch outcome is claimed exactly once, either by the worker
// completing it or by the dispatcher timing it out. A worker's task
// channel is buffered for its single dispatch, so the dispatcher never
// blocks sending to a worker it pulled from the idle queue.
type WorkerPool struct {
	config PoolConfig

	mu       sync.Mutex
	handlers map[string]Handler
	workers  []*worker
	closed   bool

	idle     chan int
	stop     chan struct{}
	respawns int64
}

type worker struct {
	slot  int
	tasks chan dispatch
}

type dispatch struct {
	id    string
	ctx   context.Context
	chunk []Task
	reply chan chunkOutcome
	// claimed settles the race between worker completion and dispatcher
	// timeout: whoever flips it owns the outcome.
	claimed *atomic.Bool
}

type chunkOutcome struct {
	results  []any
	errs     []TaskError
	crashed  bool
	panicVal any
}

type job struct {
	index   int
	chunk   []Task
	attempt int
}

type jobOutcome struct {
	index   int
	results []any
	errs    []TaskError
}

// NewWorkerPool creates and starts a worker pool.
func NewWorkerPool(config PoolConfig) *WorkerPool {
	// Apply defaults
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}

	p := &WorkerPool{
		config:   config,
		handlers: make(map[string]Handler),
		workers:  make([]*worker, config.Workers),
		idle:     make(chan int, config.Workers),
		stop:     make(chan struct{}),
	}

	for slot := 0; slot < config.Workers; slot++ {
		w := &worker{slot: slot, tasks: make(chan dispatch, 1)}
		p.workers[slot] = w
		go p.runWorker(w)
		p.idle <- slot
	}

	return p
}

// RegisterHandler binds a task type to its handler. Registering an
// existing type replaces the handler.
func (p *WorkerPool) RegisterHandler(taskType string, h Handler) {
	p.mu.Lock()
	p.handlers[taskType] = h
	p.mu.Unlock()
}

// Workers returns the fixed pool size.
func (p *WorkerPool) Workers() int {
	return len(p.workers)
}

// IdleWorkers returns the number of currently idle workers.
func (p *WorkerPool) IdleWorkers() int {
	return len(p.idle)
}

// Respawns returns how many workers have been replaced since startup.
func (p *WorkerPool) Respawns() int64 {
	return atomic.LoadInt64(&p.respawns)
}

// Close terminates all workers. In-flight chunks finish; new submissions
// are rejected.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.stop)
}

// ProcessBatch chunks tasks, fans them out across the pool, and collects
// per-task results and errors. It never fails the whole batch for an
// individual task error.
func (p *WorkerPool) ProcessBatch(ctx context.Context, tasks []Task, opts Options) (*BatchResult, error) {
	start := time.Now()
	opts = opts.withDefaults()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	result := &BatchResult{Stats: Stats{Tasks: len(tasks)}}
	if len(tasks) == 0 {
		return result, nil
	}

	chunks := chunkTasks(tasks, opts.BatchSize)
	result.Stats.Chunks = len(chunks)

	pending := make(chan job, len(chunks))
	outcomes := make(chan jobOutcome, len(chunks))
	for i, c := range chunks {
		pending <- job{index: i, chunk: c}
	}

	chunkResults := make([][]any, len(chunks))
	chunkErrs := make([][]TaskError, len(chunks))
	var retries int64

	remaining := len(chunks)
	for remaining > 0 {
		select {
		case j := <-pending:
			w, err := p.acquireWorker(ctx)
			if err != nil {
				chunkErrs[j.index] = failChunk(j.chunk, err)
				remaining--
				continue
			}
			d := dispatch{
				id:      uuid.NewString(),
				ctx:     ctx,
				chunk:   j.chunk,
				reply:   make(chan chunkOutcome, 1),
				claimed: new(atomic.Bool),
			}
			w.tasks <- d
			p.config.Logger.Debug().
				Str("dispatch", d.id).
				Int("worker", w.slot).
				Int("chunk", j.index).
				Int("tasks", len(j.chunk)).
				Msg("chunk dispatched")
			go p.await(d, j, w, opts, pending, outcomes, &retries)

		case out := <-outcomes:
			chunkResults[out.index] = out.results
			chunkErrs[out.index] = out.errs
			remaining--
		}
	}

	for i := range chunks {
		result.Results = append(result.Results, chunkResults[i]...)
		result.Errors = append(result.Errors, chunkErrs[i]...)
	}
	result.Stats.Succeeded = len(result.Results)
	result.Stats.Failed = len(result.Errors)
	result.Stats.Retries = int(atomic.LoadInt64(&retries))
	result.Stats.Duration = time.Since(start)

	return result, nil
}

// await waits for one dispatch to complete, time out, or be cancelled.
func (p *WorkerPool) await(d dispatch, j job, w *worker, opts Options, pending chan<- job, outcomes chan<- jobOutcome, retries *int64) {
	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case out := <-d.reply:
		p.settle(d, j, out, opts, pending, outcomes, retries)

	case <-timer.C:
		if !d.claimed.CompareAndSwap(false, true) {
			// The worker finished in the same instant; take its outcome.
			p.settle(d, j, <-d.reply, opts, pending, outcomes, retries)
			return
		}
		// Free the slot; the straggling worker is replaced, not cancelled.
		p.replace(w, "timeout")
		err := &WorkerTimeoutError{Dispatch: d.id, Timeout: opts.Timeout}
		p.config.Logger.Warn().
			Str("dispatch", d.id).
			Int("worker", w.slot).
			Dur("timeout", opts.Timeout).
			Msg("dispatch timed out")
		p.retryOrFail(d.ctx, j, err, opts, pending, outcomes, retries)

	case <-d.ctx.Done():
		if !d.claimed.CompareAndSwap(false, true) {
			p.settle(d, j, <-d.reply, opts, pending, outcomes, retries)
			return
		}
		p.replace(w, "cancelled")
		outcomes <- jobOutcome{index: j.index, errs: failChunk(j.chunk, d.ctx.Err())}
	}
}

// settle handles a worker-claimed outcome.
func (p *WorkerPool) settle(d dispatch, j job, out chunkOutcome, opts Options, pending chan<- job, outcomes chan<- jobOutcome, retries *int64) {
	if out.crashed {
		// The worker already respawned itself; retry or fail the chunk.
		err := &WorkerCrashError{Dispatch: d.id, Panic: out.panicVal}
		p.config.Logger.Error().
			Str("dispatch", d.id).
			Any("panic", out.panicVal).
			Msg("worker crashed")
		p.retryOrFail(d.ctx, j, err, opts, pending, outcomes, retries)
		return
	}
	outcomes <- jobOutcome{index: j.index, results: out.results, errs: out.errs}
}

// retryOrFail re-queues a failed chunk with backoff while attempts remain,
// otherwise records a per-task error for every task in the chunk.
func (p *WorkerPool) retryOrFail(ctx context.Context, j job, cause error, opts Options, pending chan<- job, outcomes chan<- jobOutcome, retries *int64) {
	if j.attempt >= opts.Retries {
		outcomes <- jobOutcome{index: j.index, errs: failChunk(j.chunk, cause)}
		return
	}

	atomic.AddInt64(retries, 1)
	delay := opts.RetryDelay << j.attempt

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		outcomes <- jobOutcome{index: j.index, errs: failChunk(j.chunk, ctx.Err())}
		return
	case <-timer.C:
	}

	pending <- job{index: j.index, chunk: j.chunk, attempt: j.attempt + 1}
}

// acquireWorker pops the next idle worker.
func (p *WorkerPool) acquireWorker(ctx context.Context) (*worker, error) {
	select {
	case slot := <-p.idle:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			return nil, ErrPoolClosed
		}
		return p.workers[slot], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stop:
		return nil, ErrPoolClosed
	}
}

func (p *WorkerPool) runWorker(w *worker) {
	for {
		select {
		case <-p.stop:
			return
		case d := <-w.tasks:
			out := p.executeChunk(d)

			if !d.claimed.CompareAndSwap(false, true) {
				// Timed out and replaced while processing; discard.
				return
			}
			d.reply <- out

			if out.crashed {
				p.replace(w, "crash")
				return
			}
			if !p.markIdle(w) {
				return
			}
		}
	}
}

// executeChunk runs every task in the chunk, capturing per-task errors.
// A panic anywhere in the chunk is converted into a crashed outcome.
func (p *WorkerPool) executeChunk(d dispatch) (out chunkOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = chunkOutcome{crashed: true, panicVal: r}
		}
	}()

	for _, task := range d.chunk {
		h := p.handler(task.Type)
		if h == nil {
			out.errs = append(out.errs, TaskError{
				Task: task,
				Err:  fmt.Errorf("%w: %q", ErrUnknownTaskType, task.Type),
			})
			continue
		}

		value, err := h(d.ctx, task.Payload)
		if err != nil {
			out.errs = append(out.errs, TaskError{Task: task, Err: err})
			continue
		}
		out.results = append(out.results, value)
	}

	return out
}

func (p *WorkerPool) handler(taskType string) Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[taskType]
}

// markIdle returns the worker's slot to the idle queue if the handle is
// still current.
func (p *WorkerPool) markIdle(w *worker) bool {
	p.mu.Lock()
	current := !p.closed && p.workers[w.slot] == w
	p.mu.Unlock()

	if current {
		p.idle <- w.slot
	}
	return current
}

// replace installs a fresh worker in w's slot and marks it idle, so pool
// capacity never permanently shrinks. No-op if w was already replaced.
func (p *WorkerPool) replace(w *worker, reason string) {
	p.mu.Lock()
	if p.closed || p.workers[w.slot] != w {
		p.mu.Unlock()
		return
	}
	fresh := &worker{slot: w.slot, tasks: make(chan dispatch, 1)}
	p.workers[w.slot] = fresh
	p.mu.Unlock()

	atomic.AddInt64(&p.respawns, 1)
	go p.runWorker(fresh)
	p.idle <- w.slot

	p.config.Logger.Info().
		Int("worker", w.slot).
		Str("reason", reason).
		Msg("worker respawned")
}

// failChunk builds a per-task error list from a chunk-level failure.
func failChunk(chunk []Task, cause error) []TaskError {
	errs := make([]TaskError, len(chunk))
	for i, task := range chunk {
		errs[i] = TaskError{Task: task, Err: cause}
	}
	return errs
}
