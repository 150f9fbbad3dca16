package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/chainlens/solrpc/batch"
	"github.com/chainlens/solrpc/cache"
	"github.com/chainlens/solrpc/metrics"
	"github.com/chainlens/solrpc/provider"
	"github.com/chainlens/solrpc/resilience"
)

// TaskTypeCall is the pre-registered worker-pool task type that executes
// one RPC call; its payload must be a Call.
const TaskTypeCall = "rpc.call"

// DefaultBatchSize is the fan-out group size BatchRequest uses when none
// is given.
const DefaultBatchSize = 10

// Call is one RPC invocation: a method plus positional params.
type Call struct {
	Method string `json:"method"`
	Params []any  `json:"params,omitempty"`
}

// Client executes Solana JSON-RPC requests with caching, failover,
// rate limiting, circuit breaking, admission control and retries.
type Client struct {
	config    Config
	logger    zerolog.Logger
	transport *transport

	providers []*provider.Provider
	selector  *provider.Selector
	health    *provider.HealthChecker
	limiter   *resilience.WindowLimiter
	breaker   *resilience.Breaker
	retry     *resilience.Retry
	admission *resilience.Admission
	cache     *cache.ResponseCache
	collector *metrics.Collector
	pool      *batch.WorkerPool

	flight singleflight.Group

	closeOnce   sync.Once
	janitorStop chan struct{}
	janitorDone chan struct{}
}

// NewClient creates a client and starts its background health checker and
// cache janitor. Callers must Close when done.
func NewClient(config Config) (*Client, error) {
	config = config.withDefaults()

	if len(config.Providers) == 0 {
		return nil, provider.ErrNoProviders
	}

	providers := make([]*provider.Provider, len(config.Providers))
	for i, pc := range config.Providers {
		providers[i] = provider.New(pc.Name, pc.Endpoint)
	}

	limiter := resilience.NewWindowLimiter(config.RateLimit)

	selector, err := provider.NewSelector(providers, provider.SelectorConfig{
		RetryInterval: config.SelectorRetryInterval,
		Limiter:       limiter,
		Logger:        config.Logger,
	})
	if err != nil {
		return nil, err
	}

	responseCache, err := cache.New(config.Cache)
	if err != nil {
		return nil, err
	}

	collector, err := metrics.NewCollector(config.Metrics)
	if err != nil {
		return nil, err
	}

	breakerConfig := config.Breaker
	if breakerConfig.OnStateChange == nil {
		logger := config.Logger
		breakerConfig.OnStateChange = func(from, to resilience.BreakerState) {
			logger.Warn().
				Stringer("from", from).
				Stringer("to", to).
				Msg("circuit breaker state changed")
		}
	}

	retryConfig := config.Retry
	if retryConfig.RetryIf == nil {
		retryConfig.RetryIf = func(err error) bool {
			return Classify(err).Retryable()
		}
	}
	if retryConfig.AttemptTimeout == 0 {
		retryConfig.AttemptTimeout = 15 * time.Second
	}

	tr := newTransport(config.HTTPClient, config.Logger)

	probe := config.Probe
	if probe == nil {
		method := config.ProbeMethod
		probe = func(ctx context.Context, p *provider.Provider) error {
			_, err := tr.invoke(ctx, p.Endpoint(), method, nil)
			return err
		}
	}

	c := &Client{
		config:    config,
		logger:    config.Logger,
		transport: tr,
		providers: providers,
		selector:  selector,
		limiter:   limiter,
		breaker:   resilience.NewBreaker(breakerConfig),
		retry:     resilience.NewRetry(retryConfig),
		admission: resilience.NewAdmission(config.Admission),
		cache:     responseCache,
		collector: collector,
		pool:      batch.NewWorkerPool(batch.PoolConfig{Workers: config.Workers, Logger: config.Logger}),
	}

	c.health = provider.NewHealthChecker(providers, probe, provider.HealthCheckerConfig{
		Interval:     config.HealthInterval,
		ProbeTimeout: config.ProbeTimeout,
		Logger:       config.Logger,
	})
	c.health.Start()

	c.pool.RegisterHandler(TaskTypeCall, func(ctx context.Context, payload any) (any, error) {
		call, ok := payload.(Call)
		if !ok {
			return nil, fmt.Errorf("rpc: task payload is %T, want Call", payload)
		}
		return c.ExecuteWithRetry(ctx, call.Method, call.Params)
	})

	if config.JanitorInterval > 0 {
		c.janitorStop = make(chan struct{})
		c.janitorDone = make(chan struct{})
		go c.runJanitor()
	}

	return c, nil
}

// Execute runs one request through the full pipeline. A fresh cache hit
// returns immediately without touching admission, the breaker or the
// network. If the live request fails and a stale cached response is still
// within its serving window, the stale response is returned instead of
// the error.
func (c *Client) Execute(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	start := time.Now()

	key := c.cacheKey(method, params)
	if key != "" {
		if value, ok := c.cache.Get(key); ok {
			c.collector.Record(ctx, method, time.Since(start), nil)
			return value, nil
		}
	}

	if err := c.admission.Acquire(ctx); err != nil {
		c.collector.Record(ctx, method, time.Since(start), err)
		return nil, err
	}
	defer c.admission.Release()

	value, err := c.dispatch(ctx, key, method, params)
	c.collector.Record(ctx, method, time.Since(start), err)

	if err != nil && key != "" {
		if stale, age, ok := c.cache.GetStale(key); ok {
			c.logger.Warn().
				Str("method", method).
				Dur("age", age).
				Err(err).
				Msg("serving stale cached response")
			return stale, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// ExecuteWithRetry runs Execute under the configured retry policy. Only
// transient failure kinds are retried.
func (c *Client) ExecuteWithRetry(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	// A timed-out attempt is abandoned, not cancelled, so its goroutine may
	// still complete while a later attempt runs; the result slot is guarded.
	var mu sync.Mutex
	var result json.RawMessage

	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		value, execErr := c.Execute(ctx, method, params)
		if execErr != nil {
			return execErr
		}
		mu.Lock()
		result = value
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return result, nil
}

// ItemError is a per-item failure inside a batch, retaining the item that
// produced it.
type ItemError struct {
	Item any
	Err  error
}

// Error implements the error interface.
func (e ItemError) Error() string {
	return fmt.Sprintf("rpc: batch item %v: %v", e.Item, e.Err)
}

// Unwrap returns the underlying cause.
func (e ItemError) Unwrap() error { return e.Err }

// BatchOutcome partitions a batch into results and failures. Results holds
// only the successful items' values, in input order; failed items appear
// in Errors with their originating item.
type BatchOutcome struct {
	Results []json.RawMessage
	Errors  []ItemError
	Success int
	Failed  int
}

// BatchRequest fans one method out over many argument items, batchSize
// items at a time, each call with retries. A failed item never fails the
// batch; callers always receive a complete results/errors partition.
func (c *Client) BatchRequest(ctx context.Context, method string, items []any, batchSize int) *BatchOutcome {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	slots := make([]json.RawMessage, len(items))
	errs := make([]error, len(items))

	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				value, err := c.ExecuteWithRetry(ctx, method, []any{items[i]})
				if err != nil {
					errs[i] = err
					return nil
				}
				slots[i] = value
				return nil
			})
		}
		// Individual errors are collected per slot, never returned.
		_ = g.Wait()
	}

	out := &BatchOutcome{}
	for i, item := range items {
		if errs[i] != nil {
			out.Errors = append(out.Errors, ItemError{Item: item, Err: errs[i]})
			out.Failed++
			continue
		}
		out.Results = append(out.Results, slots[i])
		out.Success++
	}
	return out
}

// ProcessBatch runs arbitrary typed tasks on the client's worker pool.
// The TaskTypeCall handler is pre-registered; additional handlers can be
// added with RegisterHandler.
func (c *Client) ProcessBatch(ctx context.Context, tasks []batch.Task, opts batch.Options) (*batch.BatchResult, error) {
	return c.pool.ProcessBatch(ctx, tasks, opts)
}

// RegisterHandler binds a task type to a handler on the client's worker
// pool.
func (c *Client) RegisterHandler(taskType string, h batch.Handler) {
	c.pool.RegisterHandler(taskType, h)
}

// Metrics returns the request statistics snapshot.
func (c *Client) Metrics() metrics.Snapshot {
	return c.collector.Snapshot()
}

// DetailedMetrics is a point-in-time view across every client subsystem.
type DetailedMetrics struct {
	Requests      metrics.Snapshot            `json:"requests"`
	Breaker       resilience.BreakerSnapshot  `json:"breaker"`
	Cache         cache.Stats                 `json:"cache"`
	CacheHitRatio float64                     `json:"cache_hit_ratio"`
	Admission     resilience.AdmissionMetrics `json:"admission"`
	Providers     []provider.Status           `json:"providers"`
	Preferred     string                      `json:"preferred"`
	Workers       int                         `json:"workers"`
	IdleWorkers   int                         `json:"idle_workers"`
	Respawns      int64                       `json:"respawns"`
}

// DetailedMetrics returns statistics from every client subsystem.
func (c *Client) DetailedMetrics() DetailedMetrics {
	return DetailedMetrics{
		Requests:      c.collector.Snapshot(),
		Breaker:       c.breaker.Snapshot(),
		Cache:         c.cache.Stats(),
		CacheHitRatio: c.cache.HitRatio(),
		Admission:     c.admission.Metrics(),
		Providers:     c.selector.Statuses(),
		Preferred:     c.selector.Preferred(),
		Workers:       c.pool.Workers(),
		IdleWorkers:   c.pool.IdleWorkers(),
		Respawns:      c.pool.Respawns(),
	}
}

// Close stops background activity and rejects future work. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.health.Stop()
		if c.janitorStop != nil {
			close(c.janitorStop)
			<-c.janitorDone
		}
		c.admission.Close()
		c.pool.Close()
	})
}

// dispatch collapses identical concurrent requests into a single upstream
// flight; all callers share the one result.
func (c *Client) dispatch(ctx context.Context, key, method string, params []any) (json.RawMessage, error) {
	if key == "" {
		return c.attempt(ctx, key, method, params)
	}

	value, err, _ := c.flight.Do(key, func() (any, error) {
		return c.attempt(ctx, key, method, params)
	})
	if err != nil {
		return nil, err
	}
	return value.(json.RawMessage), nil
}

// attempt runs one live request: breaker gate, provider selection, HTTP
// call, then outcome bookkeeping on the breaker, provider and cache.
func (c *Client) attempt(ctx context.Context, key, method string, params []any) (json.RawMessage, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, &Error{Kind: KindCircuitOpen, Method: method, Err: err}
	}

	// The breaker admitted this attempt (possibly as the half-open probe),
	// so every exit below must record an outcome.
	p, err := c.selector.Select(ctx)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, &Error{Kind: Classify(err), Method: method, Err: err}
	}

	result, err := c.transport.invoke(ctx, p.Endpoint(), method, params)
	if err != nil {
		c.breaker.RecordFailure()
		failures := p.RecordFailure()

		var re *Error
		if errors.As(err, &re) {
			re.Provider = p.Name()
		}
		c.logger.Warn().
			Str("provider", p.Name()).
			Str("method", method).
			Int("consecutive_failures", failures).
			Err(err).
			Msg("rpc request failed")
		return nil, err
	}

	c.breaker.RecordSuccess()
	p.ClearFailures()
	if key != "" {
		c.cache.Set(key, result)
	}
	return result, nil
}

// cacheKey returns the request's cache key, or "" when the params cannot
// be canonicalized; such requests bypass the cache entirely.
func (c *Client) cacheKey(method string, params []any) string {
	key, err := c.config.Keyer.Key(method, params)
	if err != nil {
		c.logger.Debug().
			Str("method", method).
			Err(err).
			Msg("cache key generation failed, bypassing cache")
		return ""
	}
	return key
}

// runJanitor periodically evicts cache entries that are no longer
// servable even as stale.
func (c *Client) runJanitor() {
	defer close(c.janitorDone)

	ticker := time.NewTicker(c.config.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.janitorStop:
			return
		case <-ticker.C:
			c.cache.PurgeExpired(time.Now())
		}
	}
}
