package cfmm

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/rivalapexmediation/settlementengine/internal/enginerr"
)

// Reason is the normalized "no route"/failure taxonomy that
// mapErrorToReason maps errors onto.
type Reason string

const (
	ReasonTimeout       Reason = "timeout"
	ReasonNetworkError  Reason = "network_error"
	ReasonCircuitOpen   Reason = "circuit_open"
	ReasonNoRoute       Reason = "no_route"
	ReasonError         Reason = "error"
)

// doWithRetry runs op up to maxAttempts times with jittered backoff
// between attempts, retrying only transient failures.
func doWithRetry(ctx context.Context, maxAttempts int, op func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts || !isTransient(lastErr) {
			return lastErr
		}
		jitter := time.Duration(10+rand.Intn(91)) * time.Millisecond
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// isTransient classifies err as eligible for retry: the engine's own
// transient/timeout kinds plus network-level timeouts.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if kind := enginerr.KindOf(err); kind == enginerr.KindTransient || kind == enginerr.KindTimeout {
		return true
	}
	if ne, ok := err.(net.Error); ok {
		if ne.Timeout() {
			return true
		}
		type temporary interface{ Temporary() bool }
		if t, ok := any(ne).(temporary); ok && t.Temporary() {
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// mapErrorToReason maps an error to the normalized taxonomy.
func mapErrorToReason(err error) Reason {
	if err == nil {
		return ReasonNoRoute
	}
	switch enginerr.KindOf(err) {
	case enginerr.KindTimeout:
		return ReasonTimeout
	case enginerr.KindCircuitOpen:
		return ReasonCircuitOpen
	case enginerr.KindTransient:
		return ReasonNetworkError
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonTimeout
	}
	return ReasonError
}
