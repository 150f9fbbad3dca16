package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// transport issues single JSON-RPC 2.0 calls over HTTP and classifies
// every failure mode into an *Error.
type transport struct {
	client *http.Client
	logger zerolog.Logger
}

func newTransport(client *http.Client, logger zerolog.Logger) *transport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &transport{client: client, logger: logger}
}

// invoke sends one request to the endpoint and returns the raw result.
// Every error is an *Error with Kind and Method populated.
func (t *transport) invoke(ctx context.Context, endpoint, method string, params []any) (json.RawMessage, error) {
	id := uuid.NewString()
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Method: method, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: Classify(err), Method: method, Err: err}
	}
	defer resp.Body.Close()

	t.logger.Debug().
		Str("method", method).
		Str("request_id", id).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("rpc call")

	if resp.StatusCode != http.StatusOK {
		// Drain a bounded prefix for the error message.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &Error{
			Kind:   kindForStatus(resp.StatusCode),
			Method: method,
			Err:    fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)),
		}
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &Error{Kind: KindInternal, Method: method, Err: fmt.Errorf("decode response: %w", err)}
	}

	if decoded.Error != nil {
		return nil, &Error{Kind: kindForRPCCode(decoded.Error.Code), Method: method, Err: decoded.Error}
	}
	if decoded.ID != id {
		return nil, &Error{
			Kind:   KindInternal,
			Method: method,
			Err:    fmt.Errorf("response id %q does not match request id %q", decoded.ID, id),
		}
	}

	return decoded.Result, nil
}
