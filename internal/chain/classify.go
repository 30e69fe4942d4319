package chain

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ponder-sh/ponder/internal/ponderr"
)

// ClassifyError maps a raw RPC error into the retry/fatal taxonomy of
// spec.md §7: timeouts, 5xx, and rate-limit responses are RpcTransient
// (retried with backoff); malformed responses and other 4xx are
// RpcPermanent (the fetch is aborted).
func ClassifyError(err error) *ponderr.Error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ponderr.Wrap(ponderr.KindRPCTransient, "request timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ponderr.Wrap(ponderr.KindRPCTransient, "network timeout", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"):
		return ponderr.Wrap(ponderr.KindRPCTransient, "transient rpc failure", err)
	case strings.Contains(msg, "response too large"),
		strings.Contains(msg, "query returned more than"),
		strings.Contains(msg, "block range"):
		// A distinct, non-fatal signal consumed by historicalsync's
		// adaptive bisection, not a transient retry.
		return ponderr.Wrap(ponderr.KindRPCPermanent, "response too large", err)
	default:
		return ponderr.Wrap(ponderr.KindRPCPermanent, "permanent rpc failure", err)
	}
}

// IsResponseTooLarge reports whether err signals that an RPC provider
// rejected a request because the requested block range was too large —
// the trigger for historicalsync's chunk-halving step (spec.md §4.B).
func IsResponseTooLarge(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "response too large") ||
		strings.Contains(msg, "query returned more than") ||
		strings.Contains(msg, "block range") ||
		strings.Contains(msg, "limit exceeded") ||
		strings.Contains(msg, "too many results")
}
