package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chainlens/solrpc/batch"
	"github.com/chainlens/solrpc/provider"
	"github.com/chainlens/solrpc/resilience"
)

type rpcHandler func(method string, params []any) (any, *RPCError)

func newRPCServer(t *testing.T, handler rpcHandler) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		result, rpcErr := handler(req.Method, req.Params)
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func noopProbe(_ context.Context, _ *provider.Provider) error { return nil }

func testConfig(endpoints ...string) Config {
	providers := make([]ProviderConfig, len(endpoints))
	for i, e := range endpoints {
		providers[i] = ProviderConfig{Name: "p" + string(rune('0'+i)), Endpoint: e}
	}
	return Config{
		Providers:       providers,
		Probe:           noopProbe,
		JanitorInterval: -1,
		Retry: resilience.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
		},
	}
}

func newTestClient(t *testing.T, config Config) *Client {
	t.Helper()
	c, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNewClient_RequiresProviders(t *testing.T) {
	if _, err := NewClient(Config{}); !errors.Is(err, provider.ErrNoProviders) {
		t.Errorf("NewClient() error = %v, want ErrNoProviders", err)
	}
}

func TestClient_Execute(t *testing.T) {
	server := newRPCServer(t, func(method string, _ []any) (any, *RPCError) {
		if method != "getSlot" {
			t.Errorf("method = %q, want getSlot", method)
		}
		return 271828, nil
	})
	c := newTestClient(t, testConfig(server.URL))

	result, err := c.Execute(context.Background(), "getSlot", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(result) != "271828" {
		t.Errorf("Execute() = %s, want 271828", result)
	}

	if snap := c.Metrics(); snap.TotalRequests != 1 || snap.TotalErrors != 0 {
		t.Errorf("Metrics() = %d requests, %d errors, want 1 and 0",
			snap.TotalRequests, snap.TotalErrors)
	}
}

func TestClient_ExecuteServesFromCache(t *testing.T) {
	var calls int64
	server := newRPCServer(t, func(string, []any) (any, *RPCError) {
		atomic.AddInt64(&calls, 1)
		return "value", nil
	})
	c := newTestClient(t, testConfig(server.URL))

	for i := 0; i < 3; i++ {
		if _, err := c.Execute(context.Background(), "getSlot", nil); err != nil {
			t.Fatalf("Execute() #%d error = %v", i, err)
		}
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (cache short-circuits)", got)
	}
	if stats := c.DetailedMetrics().Cache; stats.Hits != 2 {
		t.Errorf("cache hits = %d, want 2", stats.Hits)
	}
}

func TestClient_FailoverToHealthyProvider(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	fallback := newRPCServer(t, func(string, []any) (any, *RPCError) {
		return "fallback-result", nil
	})

	config := testConfig(primary.URL, fallback.URL)
	config.Probe = nil // use the real HTTP probe so primary is demoted
	config.HealthInterval = 10 * time.Millisecond
	c := newTestClient(t, config)

	// Wait for the health checker to notice the failing primary.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		statuses := c.DetailedMetrics().Providers
		if len(statuses) == 2 && !statuses[0].Healthy {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	result, err := c.Execute(context.Background(), "getSlot", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(result) != `"fallback-result"` {
		t.Errorf("Execute() = %s, want fallback-result", result)
	}
	if got := c.DetailedMetrics().Preferred; got != "p1" {
		t.Errorf("Preferred = %s, want p1 (preference switched)", got)
	}
}

func TestClient_BreakerFailsFast(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.Breaker = resilience.BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}
	c := newTestClient(t, config)

	for i := 0; i < 2; i++ {
		if _, err := c.Execute(context.Background(), "getSlot", nil); err == nil {
			t.Fatalf("Execute() #%d succeeded, want error", i)
		}
	}
	before := atomic.LoadInt64(&calls)

	_, err := c.Execute(context.Background(), "getSlot", nil)
	if err == nil {
		t.Fatal("Execute() with open breaker succeeded, want error")
	}
	if got := Classify(err); got != KindCircuitOpen {
		t.Errorf("Classify() = %v, want KindCircuitOpen", got)
	}
	if after := atomic.LoadInt64(&calls); after != before {
		t.Errorf("network calls with open breaker = %d, want 0", after-before)
	}
	if state := c.DetailedMetrics().Breaker.State; state != resilience.BreakerOpen {
		t.Errorf("breaker state = %v, want open", state)
	}
}

func TestClient_StaleFallback(t *testing.T) {
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID, "result": "cached-balance",
		})
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.Cache.TTL = 10 * time.Millisecond
	config.Cache.MaxStale = time.Minute
	c := newTestClient(t, config)

	if _, err := c.Execute(context.Background(), "getBalance", []any{"addr"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	failing.Store(true)
	time.Sleep(20 * time.Millisecond) // let the entry go stale

	result, err := c.Execute(context.Background(), "getBalance", []any{"addr"})
	if err != nil {
		t.Fatalf("Execute() with failing upstream error = %v, want stale response", err)
	}
	if string(result) != `"cached-balance"` {
		t.Errorf("Execute() = %s, want stale cached-balance", result)
	}
	if stats := c.DetailedMetrics().Cache; stats.StaleHits != 1 {
		t.Errorf("stale hits = %d, want 1", stats.StaleHits)
	}
}

func TestClient_ExecuteDeduplicatesConcurrentRequests(t *testing.T) {
	var calls int64
	server := newRPCServer(t, func(string, []any) (any, *RPCError) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return "shared", nil
	})
	c := newTestClient(t, testConfig(server.URL))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := c.Execute(context.Background(), "getSlot", nil); err != nil {
				t.Errorf("Execute() error = %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (deduplicated)", got)
	}
}

func TestClient_BatchRequest(t *testing.T) {
	server := newRPCServer(t, func(method string, params []any) (any, *RPCError) {
		if method != "getTransaction" {
			t.Errorf("method = %q, want getTransaction", method)
		}
		sig, _ := params[0].(string)
		if sig == "sigB" {
			return nil, &RPCError{Code: -32000, Message: "no such signature"}
		}
		return "tx-" + sig, nil
	})
	c := newTestClient(t, testConfig(server.URL))

	out := c.BatchRequest(context.Background(), "getTransaction", []any{"sigA", "sigB", "sigC"}, 2)
	if out.Success != 2 || out.Failed != 1 {
		t.Fatalf("BatchRequest() success = %d, failed = %d, want 2 and 1", out.Success, out.Failed)
	}
	if len(out.Results) != 2 ||
		string(out.Results[0]) != `"tx-sigA"` ||
		string(out.Results[1]) != `"tx-sigC"` {
		t.Errorf("Results = %s, want [tx-sigA tx-sigC] in input order", out.Results)
	}
	if len(out.Errors) != 1 || out.Errors[0].Item != "sigB" {
		t.Fatalf("Errors = %v, want one error for sigB", out.Errors)
	}
	if got := Classify(out.Errors[0].Err); got != KindRPC {
		t.Errorf("Classify(batch error) = %v, want KindRPC", got)
	}
}

func TestClient_ProcessBatch(t *testing.T) {
	server := newRPCServer(t, func(_ string, params []any) (any, *RPCError) {
		return params[0], nil
	})
	c := newTestClient(t, testConfig(server.URL))

	tasks := []batch.Task{
		{Type: TaskTypeCall, Payload: Call{Method: "echo", Params: []any{"a"}}},
		{Type: TaskTypeCall, Payload: Call{Method: "echo", Params: []any{"b"}}},
		{Type: "bogus", Payload: nil},
	}

	result, err := c.ProcessBatch(context.Background(), tasks, batch.Options{})
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if len(result.Results) != 2 {
		t.Errorf("Results = %d, want 2", len(result.Results))
	}
	if len(result.Errors) != 1 || !errors.Is(result.Errors[0].Err, batch.ErrUnknownTaskType) {
		t.Errorf("Errors = %v, want one ErrUnknownTaskType", result.Errors)
	}
}

func TestClient_ExecuteWithRetry(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID, "result": 7,
		})
	}))
	defer server.Close()

	c := newTestClient(t, testConfig(server.URL))

	result, err := c.ExecuteWithRetry(context.Background(), "getSlot", nil)
	if err != nil {
		t.Fatalf("ExecuteWithRetry() error = %v", err)
	}
	if string(result) != "7" {
		t.Errorf("ExecuteWithRetry() = %s, want 7", result)
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Errorf("upstream calls = %d, want 2 (one retry)", got)
	}
}

func TestClient_RetryStopsOnTerminalError(t *testing.T) {
	var calls int64
	server := newRPCServer(t, func(string, []any) (any, *RPCError) {
		atomic.AddInt64(&calls, 1)
		return nil, &RPCError{Code: -32602, Message: "invalid params"}
	})
	c := newTestClient(t, testConfig(server.URL))

	_, err := c.ExecuteWithRetry(context.Background(), "getSlot", nil)
	if err == nil {
		t.Fatal("ExecuteWithRetry() error = nil, want invalid-request error")
	}
	if got := Classify(err); got != KindInvalidRequest {
		t.Errorf("Classify() = %v, want KindInvalidRequest", got)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (terminal errors are not retried)", got)
	}
}

func TestClient_CloseRejectsWork(t *testing.T) {
	server := newRPCServer(t, func(string, []any) (any, *RPCError) {
		return 1, nil
	})
	c, err := NewClient(testConfig(server.URL))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	c.Close()

	if _, err := c.Execute(context.Background(), "getSlot", nil); !errors.Is(err, resilience.ErrAdmissionClosed) {
		t.Errorf("Execute() after Close = %v, want ErrAdmissionClosed", err)
	}
	if _, err := c.ProcessBatch(context.Background(), nil, batch.Options{}); !errors.Is(err, batch.ErrPoolClosed) {
		t.Errorf("ProcessBatch() after Close = %v, want ErrPoolClosed", err)
	}
}
