// Package settlement implements the settlement orchestrator: circuit
// check, routing, phantom decision, prepare, commit, and fallback,
// wrapping the latency tracker's circuit breaker and bypass signals
// around every stage.
package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/shopspring/decimal"

	"github.com/rivalapexmediation/settlementengine/internal/cfmm"
	"github.com/rivalapexmediation/settlementengine/internal/enginerr"
	"github.com/rivalapexmediation/settlementengine/internal/eventlog"
	"github.com/rivalapexmediation/settlementengine/internal/ids"
	"github.com/rivalapexmediation/settlementengine/internal/latency"
	"github.com/rivalapexmediation/settlementengine/internal/phantom"
	"github.com/rivalapexmediation/settlementengine/internal/twophase"
)

// Status is a settlement request's position in the pipeline.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRouting    Status = "routing"
	StatusAuctioning Status = "auctioning"
	StatusPreparing  Status = "preparing"
	StatusCommitting Status = "committing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Component keys recorded to the latency tracker, one per pipeline
// stage.
const (
	ComponentOrchestrator = "orchestrator"
	ComponentRouting      = "routing"
	ComponentPhantom      = "phantom"
	ComponentPrepare      = "prepare"
	ComponentCommit       = "commit"
)

// Config holds the orchestrator's tunables.
type Config struct {
	MaxRetryAttempts     int
	FallbackThresholdMs  int64
	MaxAuctionDurationMs int64
	MinImprovementBps    int64
	FallbackEnabled      bool
}

// DefaultConfig makes up to three routing attempts, skips the phantom auction
// once 80ms have elapsed, and enables the direct-execute fallback.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:     3,
		FallbackThresholdMs:  80,
		MaxAuctionDurationMs: 100,
		MinImprovementBps:    10,
		FallbackEnabled:      true,
	}
}

// Request is a single settlement's inputs.
type Request struct {
	RequestID      ids.ID
	TokenIn        string
	TokenOut       string
	AmountIn       decimal.Decimal
	Slippage       decimal.Decimal
	User           string
	Deadline       time.Time
	MaxGasEstimate uint64
	PhantomCfg     phantom.Config
	PhantomBidders []phantom.Bidder
	HedgeBidders   []phantom.Bidder
}

// Result is a settlement's terminal outcome. ImprovedPrice is nil
// when the phantom auction produced no accepted improvement.
type Result struct {
	RequestID       ids.ID
	Status          Status
	CFMMPrice       decimal.Decimal
	ImprovedPrice   *decimal.Decimal
	AmountOut       decimal.Decimal
	ImprovementBps  int64
	ExecutionTimeMs int64
	GasUsed         uint64
	FailureReason   string
}

// Orchestrator wires the CFMM bridge, latency tracker, two-phase
// commit coordinator, and event log into one settlement pipeline.
type Orchestrator struct {
	bridge      cfmm.Bridge
	tracker     *latency.Tracker
	coordinator *twophase.Coordinator
	events      *eventlog.Log
	cfg         Config
	clock       phantom.Clock
}

// New constructs an Orchestrator. clock is handed to the phantom
// auction for its commit/reveal deadline checks; nil uses the real
// system clock.
func New(bridge cfmm.Bridge, tracker *latency.Tracker, coordinator *twophase.Coordinator, events *eventlog.Log, cfg Config, clock phantom.Clock) *Orchestrator {
	return &Orchestrator{bridge: bridge, tracker: tracker, coordinator: coordinator, events: events, cfg: cfg, clock: clock}
}

// Settle runs req through the full pipeline, returning a terminal
// Result. It never panics; every error is caught and mapped onto
// Result.Status/FailureReason.
func (o *Orchestrator) Settle(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	o.events.Append(req.RequestID, eventlog.WorkflowStarted{
		RequestID: req.RequestID,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
	})

	result := Result{RequestID: req.RequestID, Status: StatusPending}

	finish := func(status Status, reason string) (Result, error) {
		result.Status = status
		result.FailureReason = reason
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		o.events.Append(req.RequestID, eventlog.WorkflowCompleted{
			RequestID: req.RequestID,
			Status:    string(status),
			GasUsed:   result.GasUsed,
		})
		if status == StatusFailed {
			log.WithFields(log.Fields{
				"request_id": req.RequestID.String(),
				"reason":     reason,
			}).Warn("settlement: request failed")
			return result, fmt.Errorf("settlement: request %s failed (%s): %w", req.RequestID, reason, statusErr(reason))
		}
		return result, nil
	}

	// 1. Circuit check.
	if !o.tracker.Allow(ComponentOrchestrator) {
		return finish(StatusFailed, "circuit_open")
	}

	// 2. Routing.
	result.Status = StatusRouting
	routeStart := time.Now()
	route, err := o.routeWithRetry(ctx, req)
	o.recordLatency(ComponentRouting, routeStart)
	if err != nil || route == nil {
		return finish(StatusFailed, "no_route")
	}
	result.CFMMPrice = route.Price
	result.AmountOut = route.AmountOut
	result.GasUsed = route.GasEstimate

	improvedPrice := route.Price
	improvedAmount := route.AmountOut
	var improvementBps int64

	// 3. Phantom decision.
	elapsedMs := time.Since(start).Milliseconds()
	if elapsedMs < o.cfg.FallbackThresholdMs && !o.tracker.ShouldBypass(ComponentPhantom) {
		result.Status = StatusAuctioning
		phantomStart := time.Now()
		pr := o.runPhantom(ctx, req, route)
		o.recordLatency(ComponentPhantom, phantomStart)
		if pr.WinningBid != nil && pr.ImprovementBps >= o.cfg.MinImprovementBps {
			improvedPrice = pr.Price
			improvedAmount = pr.Amount
			improvementBps = pr.ImprovementBps
		}
	}

	if improvementBps > 0 {
		result.ImprovedPrice = &improvedPrice
		result.ImprovementBps = improvementBps
	}
	result.AmountOut = improvedAmount

	// 4. Prepare.
	result.Status = StatusPreparing
	prepareStart := time.Now()
	params := twophase.Params{
		RequestID:   req.RequestID,
		Pools:       poolsFor(req.TokenIn, req.TokenOut),
		TokenIn:     req.TokenIn,
		TokenOut:    req.TokenOut,
		AmountIn:    req.AmountIn,
		AmountOut:   improvedAmount,
		Price:       improvedPrice,
		User:        req.User,
		Deadline:    req.Deadline,
		GasEstimate: route.GasEstimate,
	}
	prepared, err := o.coordinator.Prepare(ctx, params)
	o.recordLatency(ComponentPrepare, prepareStart)
	if err != nil {
		return finish(StatusFailed, "validation")
	}

	// 5. Commit.
	result.Status = StatusCommitting
	commitStart := time.Now()
	commitResult, err := o.coordinator.Commit(ctx, prepared, func(ctx context.Context) (twophase.Result, error) {
		exec, execErr := o.bridge.ExecuteDirect(ctx, req.TokenIn, req.TokenOut, req.AmountIn, req.Slippage)
		if execErr != nil {
			return twophase.Result{}, execErr
		}
		if exec == nil {
			return twophase.Result{}, fmt.Errorf("settlement: execute_direct returned no result: %w", enginerr.ErrTransient)
		}
		return twophase.Result{
			RequestID:   req.RequestID,
			Price:       exec.Price,
			AmountOut:   exec.AmountOut,
			GasUsed:     exec.GasUsed,
			TxReference: exec.TxReference,
		}, nil
	})
	o.recordLatency(ComponentCommit, commitStart)

	if err == nil {
		result.AmountOut = commitResult.AmountOut
		result.GasUsed = commitResult.GasUsed
		return finish(StatusCompleted, "")
	}

	// 6. Fallback on commit failure.
	if o.cfg.FallbackEnabled {
		fallback, ferr := o.bridge.ExecuteDirect(ctx, req.TokenIn, req.TokenOut, req.AmountIn, req.Slippage)
		if ferr == nil && fallback != nil {
			result.ImprovedPrice = nil
			result.ImprovementBps = 0
			result.CFMMPrice = fallback.Price
			result.AmountOut = fallback.AmountOut
			result.GasUsed = fallback.GasUsed
			return finish(StatusCompleted, "")
		}
	}
	return finish(StatusFailed, "commit")
}

// routeWithRetry calls GetRoute up to MaxRetryAttempts times with
// exponential backoff, treating a nil route the same as a transient
// failure worth retrying.
func (o *Orchestrator) routeWithRetry(ctx context.Context, req Request) (*cfmm.Route, error) {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 10 * time.Millisecond
	boff.MaxInterval = 200 * time.Millisecond
	boff.MaxElapsedTime = 0
	attempts := o.cfg.MaxRetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	bo := backoff.WithMaxRetries(boff, uint64(attempts-1))

	var route *cfmm.Route
	err := backoff.Retry(func() error {
		r, rerr := o.bridge.GetRoute(ctx, req.TokenIn, req.TokenOut, req.AmountIn, req.Slippage)
		if rerr != nil {
			return rerr
		}
		if r == nil {
			return fmt.Errorf("settlement: no route for %s->%s: %w", req.TokenIn, req.TokenOut, enginerr.ErrTransient)
		}
		route = r
		return nil
	}, bo)
	return route, err
}

// runPhantom seeds a phantom auction from the baseline route and
// drives it to resolution, capping its duration at both the
// orchestrator's MaxAuctionDurationMs and the caller-supplied phantom
// config, whichever is tighter.
func (o *Orchestrator) runPhantom(ctx context.Context, req Request, route *cfmm.Route) phantom.Result {
	cfg := req.PhantomCfg
	if cfg.DurationMs <= 0 {
		cfg = phantom.DefaultConfig()
	}
	if o.cfg.MaxAuctionDurationMs > 0 && cfg.DurationMs > o.cfg.MaxAuctionDurationMs {
		cfg.DurationMs = o.cfg.MaxAuctionDurationMs
	}
	return phantom.RunAuction(ctx, route.Price, route.AmountOut, cfg, o.clock, req.PhantomBidders, req.HedgeBidders)
}

func (o *Orchestrator) recordLatency(component string, since time.Time) {
	o.tracker.Record(component, time.Since(since).Microseconds())
}

func poolsFor(tokenIn, tokenOut string) []string {
	pools := []string{tokenIn, tokenOut}
	sort.Strings(pools)
	return pools
}

func statusErr(reason string) error {
	switch reason {
	case "circuit_open":
		return enginerr.ErrCircuitOpen
	case "no_route":
		return enginerr.ErrTransient
	case "validation":
		return enginerr.ErrValidation
	case "commit":
		return enginerr.ErrTransient
	default:
		return enginerr.ErrTransient
	}
}
