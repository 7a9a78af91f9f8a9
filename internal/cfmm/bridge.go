// Package cfmm defines the constant-function-market-maker bridge
// interface the settlement pipeline consumes (route query, direct
// execution, spot price), plus the TTL price cache and tiered
// waterfall composite that wrap any concrete implementation.
package cfmm

import (
	"context"

	"github.com/shopspring/decimal"
)

// Route is a priced path between two tokens, returned by GetRoute.
type Route struct {
	Price       decimal.Decimal
	AmountOut   decimal.Decimal
	Path        []string
	PriceImpact decimal.Decimal
	GasEstimate uint64
}

// ExecutionResult is what a direct execution against a bridge
// produces.
type ExecutionResult struct {
	Price       decimal.Decimal
	AmountOut   decimal.Decimal
	GasUsed     uint64
	TxReference string
}

// Bridge is the interface every CFMM adapter implements. Any
// operation may return a nil pointer with a nil error to signal
// "no route" / "no price" rather than a hard failure; the
// orchestrator treats that absence as fatal after retries, not as an
// error path here.
type Bridge interface {
	GetRoute(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal, slippage decimal.Decimal) (*Route, error)
	ExecuteDirect(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal, slippage decimal.Decimal) (*ExecutionResult, error)
	SpotPrice(ctx context.Context, tokenIn, tokenOut string) (*decimal.Decimal, error)
}
