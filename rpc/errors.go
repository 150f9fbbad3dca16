package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/chainlens/solrpc/resilience"
)

// Kind classifies a request failure. The classification drives retry
// decisions: transient kinds are retried, the rest fail immediately.
type Kind int

const (
	// KindInternal is an unclassified client-side failure.
	KindInternal Kind = iota
	// KindTimeout means the request or attempt deadline expired.
	KindTimeout
	// KindConnection means the provider could not be reached.
	KindConnection
	// KindRateLimited means the provider rejected the request with HTTP 429.
	KindRateLimited
	// KindUnavailable means the provider returned a server error.
	KindUnavailable
	// KindInvalidRequest means the request itself was malformed.
	KindInvalidRequest
	// KindRPC is a JSON-RPC application error returned by the node.
	KindRPC
	// KindCircuitOpen means the circuit breaker rejected the call before any
	// network activity.
	KindCircuitOpen
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	case KindInvalidRequest:
		return "invalid_request"
	case KindRPC:
		return "rpc"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "internal"
	}
}

// Retryable reports whether another attempt could plausibly succeed.
// Malformed requests and application-level RPC errors never are, and a
// breaker-open rejection always fails fast.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindConnection, KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

// Error is a classified request failure with its method and, when the
// failure happened after provider selection, the provider that served it.
type Error struct {
	Kind     Kind
	Method   string
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("rpc: %s %s via %s: %v", e.Kind, e.Method, e.Provider, e.Err)
	}
	return fmt.Sprintf("rpc: %s %s: %v", e.Kind, e.Method, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Classify maps an arbitrary error to its failure kind. Already-classified
// errors keep their kind.
func Classify(err error) Kind {
	if err == nil {
		return KindInternal
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}

	switch {
	case errors.Is(err, resilience.ErrBreakerOpen):
		return KindCircuitOpen
	case errors.Is(err, resilience.ErrAttemptTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}

	return KindInternal
}

// kindForStatus maps an HTTP response status to a failure kind.
func kindForStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindUnavailable
	case status == 400:
		return KindInvalidRequest
	default:
		return KindUnavailable
	}
}

// kindForRPCCode maps a JSON-RPC error code to a failure kind. The
// -32xxx range is protocol-defined; -32005 is the node-behind signal
// Solana providers return while catching up.
func kindForRPCCode(code int) Kind {
	switch code {
	case -32700, -32600, -32601, -32602:
		return KindInvalidRequest
	case -32005:
		return KindUnavailable
	default:
		return KindRPC
	}
}
