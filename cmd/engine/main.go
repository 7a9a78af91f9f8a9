// Command engine wires the settlement engine's components together
// and runs a one-shot demonstration: an auction finalized through the
// actor runtime, and a settlement routed, phantom-auctioned, and
// committed through the orchestrator and two-phase coordinator.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/shopspring/decimal"

	"github.com/rivalapexmediation/settlementengine/internal/actor"
	"github.com/rivalapexmediation/settlementengine/internal/cfmm"
	"github.com/rivalapexmediation/settlementengine/internal/cfmm/cfmmtest"
	"github.com/rivalapexmediation/settlementengine/internal/config"
	"github.com/rivalapexmediation/settlementengine/internal/eventlog"
	"github.com/rivalapexmediation/settlementengine/internal/ids"
	"github.com/rivalapexmediation/settlementengine/internal/kernel"
	"github.com/rivalapexmediation/settlementengine/internal/latency"
	"github.com/rivalapexmediation/settlementengine/internal/settlement"
	"github.com/rivalapexmediation/settlementengine/internal/statestore"
	"github.com/rivalapexmediation/settlementengine/internal/tracing"
	"github.com/rivalapexmediation/settlementengine/internal/twophase"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)

	if tracing.InstallOTelTracer() {
		log.Info("engine: otel tracer installed")
	}

	cfg := config.FromEnv()

	events := eventlog.New()
	tracker := latency.New(cfg.Latency)
	store := statestore.New(cfg.StateStore)
	coordinator := twophase.New(store, events, cfg.TwoPhase)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runAuctionDemo(ctx, events)
	runSettlementDemo(ctx, events, tracker, store, coordinator, cfg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Info("engine: demo run complete, press ctrl-c to exit")
	<-quit
	log.Info("engine: shutting down")
}

// runAuctionDemo registers and finalizes a small Vickrey auction
// through the actor runtime.
func runAuctionDemo(ctx context.Context, events *eventlog.Log) {
	controller := actor.NewController(events)

	auctionID := ids.New()
	mechanism := kernel.Mechanism{
		Kind: kernel.MechanismVickrey,
		Vickrey: kernel.VickreyConfig{
			ReservePrice: decimal.NewFromInt(10),
		},
	}

	a, err := controller.Register(auctionID, kernel.MechanismVickrey, mechanism)
	if err != nil {
		log.WithError(err).Error("engine: auction registration failed")
		return
	}

	a.Start(ctx, "10")

	bids := []struct {
		amount int64
	}{{100}, {80}, {120}}
	for _, b := range bids {
		bid := kernel.Bid{
			ID:        ids.New(),
			BidderID:  ids.New(),
			Amount:    decimal.NewFromInt(b.amount),
			Quantity:  decimal.NewFromInt(1),
			Timestamp: time.Now(),
		}
		if err := a.Bid(ctx, bid); err != nil {
			log.WithError(err).Warn("engine: demo bid rejected")
		}
	}

	result, err := a.Finalize(ctx, false)
	if err != nil {
		log.WithError(err).Error("engine: auction finalize failed")
		return
	}

	log.WithFields(log.Fields{
		"auction_id":     auctionID.String(),
		"clearing_price": result.ClearingPrice.String(),
		"winners":        len(result.Winners),
	}).Info("engine: auction finalized")
}

// runSettlementDemo routes, phantom-auctions, and commits a single
// token swap against a deterministic fake CFMM bridge.
func runSettlementDemo(ctx context.Context, events *eventlog.Log, tracker *latency.Tracker, store *statestore.Store, coordinator *twophase.Coordinator, cfg config.EngineConfig) {
	bridge := cfmmtest.NewFakeBridge()
	bridge.Routes["USDC->WETH"] = &cfmm.Route{
		Price:       decimal.NewFromFloat(100.0),
		AmountOut:   decimal.NewFromInt(1000),
		Path:        []string{"USDC", "WETH"},
		GasEstimate: 120_000,
	}
	bridge.Executions["USDC->WETH"] = &cfmm.ExecutionResult{
		Price:       decimal.NewFromFloat(100.0),
		AmountOut:   decimal.NewFromInt(1000),
		GasUsed:     110_000,
		TxReference: "demo-tx-1",
	}

	orch := settlement.New(bridge, tracker, coordinator, events, cfg.Settlement, nil)

	req := settlement.Request{
		RequestID: ids.New(),
		TokenIn:   "USDC",
		TokenOut:  "WETH",
		AmountIn:  decimal.NewFromInt(100_000),
		Slippage:  decimal.NewFromFloat(0.005),
		User:      "demo-user",
		Deadline:  time.Now().Add(time.Second),
	}

	result, err := orch.Settle(ctx, req)
	if err != nil {
		log.WithError(err).Warn("engine: settlement did not complete")
		return
	}

	log.WithFields(log.Fields{
		"request_id": result.RequestID.String(),
		"status":     result.Status,
		"cfmm_price": result.CFMMPrice.String(),
		"amount_out": result.AmountOut.String(),
	}).Info("engine: settlement completed")
}
