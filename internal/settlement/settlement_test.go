package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivalapexmediation/settlementengine/internal/cfmm"
	"github.com/rivalapexmediation/settlementengine/internal/cfmm/cfmmtest"
	"github.com/rivalapexmediation/settlementengine/internal/eventlog"
	"github.com/rivalapexmediation/settlementengine/internal/ids"
	"github.com/rivalapexmediation/settlementengine/internal/latency"
	"github.com/rivalapexmediation/settlementengine/internal/statestore"
	"github.com/rivalapexmediation/settlementengine/internal/twophase"
)

func newOrchestrator(bridge cfmm.Bridge, cfg Config) (*Orchestrator, *eventlog.Log) {
	events := eventlog.New()
	tracker := latency.New(latency.DefaultConfig())
	store := statestore.New(statestore.DefaultConfig())
	coordinator := twophase.New(store, events, twophase.DefaultConfig())
	return New(bridge, tracker, coordinator, events, cfg, nil), events
}

func seedBridge(b *cfmmtest.FakeBridge) {
	b.Routes["USDC->WETH"] = &cfmm.Route{
		Price:       decimal.NewFromFloat(100.0),
		AmountOut:   decimal.NewFromInt(1000),
		Path:        []string{"USDC", "WETH"},
		GasEstimate: 100_000,
	}
	b.Executions["USDC->WETH"] = &cfmm.ExecutionResult{
		Price:       decimal.NewFromFloat(100.0),
		AmountOut:   decimal.NewFromInt(1000),
		GasUsed:     95_000,
		TxReference: "tx-settled",
	}
}

func baseRequest() Request {
	return Request{
		RequestID: ids.New(),
		TokenIn:   "USDC",
		TokenOut:  "WETH",
		AmountIn:  decimal.NewFromInt(100_000),
		Slippage:  decimal.NewFromFloat(0.005),
		User:      "alice",
		Deadline:  time.Now().Add(time.Second),
	}
}

func TestSettle_HappyPathCompletesWithoutPhantom(t *testing.T) {
	bridge := cfmmtest.NewFakeBridge()
	seedBridge(bridge)

	cfg := DefaultConfig()
	cfg.FallbackThresholdMs = 0 // skip the phantom stage entirely
	orch, events := newOrchestrator(bridge, cfg)

	req := baseRequest()
	result, err := orch.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.True(t, result.AmountOut.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, uint64(95_000), result.GasUsed)

	assert.NotZero(t, len(events.QueryByType(eventlog.TagWorkflowStarted)))
	assert.NotZero(t, len(events.QueryByType(eventlog.TagWorkflowCompleted)))
}

func TestSettle_NoRouteFailsAfterRetries(t *testing.T) {
	bridge := cfmmtest.NewFakeBridge() // no routes seeded
	cfg := DefaultConfig()
	cfg.MaxRetryAttempts = 2
	orch, _ := newOrchestrator(bridge, cfg)

	req := baseRequest()
	result, err := orch.Settle(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "no_route", result.FailureReason)
}

func TestSettle_CircuitOpenShortCircuits(t *testing.T) {
	bridge := cfmmtest.NewFakeBridge()
	seedBridge(bridge)

	events := eventlog.New()
	tracker := latency.New(latency.DefaultConfig())
	store := statestore.New(statestore.DefaultConfig())
	coordinator := twophase.New(store, events, twophase.DefaultConfig())

	// Force the orchestrator component's breaker open by recording
	// enough over-threshold samples before the call.
	for i := 0; i < 10; i++ {
		tracker.Record(ComponentOrchestrator, 200_000)
	}
	require.Equal(t, latency.StateOpen, tracker.CircuitState(ComponentOrchestrator))

	orch := New(bridge, tracker, coordinator, events, DefaultConfig(), nil)
	result, err := orch.Settle(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "circuit_open", result.FailureReason)
	assert.Zero(t, bridge.RouteCalls)
}

func TestSettle_CommitFailureFallsBackToDirectExecute(t *testing.T) {
	bridge := cfmmtest.NewFakeBridge()
	bridge.Routes["USDC->WETH"] = &cfmm.Route{
		Price:       decimal.NewFromFloat(100.0),
		AmountOut:   decimal.NewFromInt(1000),
		GasEstimate: 100_000,
	}
	// The commit phase and the orchestrator's fallback after commit
	// exhaustion call the same bridge method, so the bridge fails a
	// bounded number of times: the commit's three attempts fail and
	// the fourth call, the fallback, succeeds.
	attempts := 0
	failing := &countingBridge{
		FakeBridge: bridge,
		executeFn: func(ctx context.Context, tokenIn, tokenOut string, amountIn, slippage decimal.Decimal) (*cfmm.ExecutionResult, error) {
			attempts++
			if attempts <= 3 {
				return nil, errors.New("execution reverted")
			}
			return &cfmm.ExecutionResult{
				Price:       decimal.NewFromFloat(100.0),
				AmountOut:   decimal.NewFromInt(1000),
				GasUsed:     90_000,
				TxReference: "fallback-tx",
			}, nil
		},
	}

	cfg := DefaultConfig()
	cfg.FallbackThresholdMs = 0
	cfg.MaxRetryAttempts = 3
	orch, _ := newOrchestrator(failing, cfg)

	result, err := orch.Settle(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, uint64(90_000), result.GasUsed)
}

func TestPoolsFor_SortedDeterministically(t *testing.T) {
	assert.Equal(t, []string{"USDC", "WETH"}, poolsFor("WETH", "USDC"))
	assert.Equal(t, []string{"USDC", "WETH"}, poolsFor("USDC", "WETH"))
}

// countingBridge wraps a FakeBridge but overrides ExecuteDirect with a
// custom function, used to simulate a bounded run of transient
// execution failures followed by success.
type countingBridge struct {
	*cfmmtest.FakeBridge
	executeFn func(ctx context.Context, tokenIn, tokenOut string, amountIn, slippage decimal.Decimal) (*cfmm.ExecutionResult, error)
}

func (c *countingBridge) ExecuteDirect(ctx context.Context, tokenIn, tokenOut string, amountIn, slippage decimal.Decimal) (*cfmm.ExecutionResult, error) {
	return c.executeFn(ctx, tokenIn, tokenOut, amountIn, slippage)
}
