// Package cfmmtest provides a deterministic Bridge fake for tests
// elsewhere in the engine (the phantom auction, the settlement
// orchestrator) that need a CFMM bridge without a live chain
// connection.
package cfmmtest

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rivalapexmediation/settlementengine/internal/cfmm"
)

// FakeBridge serves canned routes/executions/prices keyed by
// (tokenIn, tokenOut), and counts calls so tests can assert on
// invocation order and frequency.
type FakeBridge struct {
	mu sync.Mutex

	Routes     map[string]*cfmm.Route
	Executions map[string]*cfmm.ExecutionResult
	Prices     map[string]decimal.Decimal

	RouteErr   error
	ExecuteErr error
	PriceErr   error

	RouteCalls   int
	ExecuteCalls int
	PriceCalls   int
}

// NewFakeBridge constructs an empty fake; populate Routes/Executions/
// Prices before use.
func NewFakeBridge() *FakeBridge {
	return &FakeBridge{
		Routes:     make(map[string]*cfmm.Route),
		Executions: make(map[string]*cfmm.ExecutionResult),
		Prices:     make(map[string]decimal.Decimal),
	}
}

func pairKey(tokenIn, tokenOut string) string { return tokenIn + "->" + tokenOut }

func (f *FakeBridge) GetRoute(ctx context.Context, tokenIn, tokenOut string, amountIn, slippage decimal.Decimal) (*cfmm.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RouteCalls++
	if f.RouteErr != nil {
		return nil, f.RouteErr
	}
	return f.Routes[pairKey(tokenIn, tokenOut)], nil
}

func (f *FakeBridge) ExecuteDirect(ctx context.Context, tokenIn, tokenOut string, amountIn, slippage decimal.Decimal) (*cfmm.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExecuteCalls++
	if f.ExecuteErr != nil {
		return nil, f.ExecuteErr
	}
	return f.Executions[pairKey(tokenIn, tokenOut)], nil
}

func (f *FakeBridge) SpotPrice(ctx context.Context, tokenIn, tokenOut string) (*decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PriceCalls++
	if f.PriceErr != nil {
		return nil, f.PriceErr
	}
	if p, ok := f.Prices[pairKey(tokenIn, tokenOut)]; ok {
		return &p, nil
	}
	return nil, nil
}
