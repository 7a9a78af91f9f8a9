// Package scenarios runs the engine's components together end to end,
// covering concrete numeric scenarios and cross-cutting invariants
// across the auction actor, kernel, event log, phantom auction,
// latency tracker, and two-phase coordinator.
package scenarios_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivalapexmediation/settlementengine/internal/actor"
	"github.com/rivalapexmediation/settlementengine/internal/eventlog"
	"github.com/rivalapexmediation/settlementengine/internal/ids"
	"github.com/rivalapexmediation/settlementengine/internal/kernel"
	"github.com/rivalapexmediation/settlementengine/internal/latency"
	"github.com/rivalapexmediation/settlementengine/internal/phantom"
	"github.com/rivalapexmediation/settlementengine/internal/statestore"
	"github.com/rivalapexmediation/settlementengine/internal/twophase"
)

// fakeClock drives deadline- and breaker-sensitive scenarios without
// sleeping.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time      { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

// Vickrey truthful: bids (B1,100),(B2,80),(B3,120), reserve 10.
// Winner B3, clearing price 100 (second-highest bid), payment[B3]=100.
func TestVickreyTruthfulThroughTheAuctionActor(t *testing.T) {
	events := eventlog.New()
	controller := actor.NewController(events)

	auctionID := ids.New()
	mechanism := kernel.Mechanism{
		Kind:    kernel.MechanismVickrey,
		Vickrey: kernel.VickreyConfig{ReservePrice: decimal.NewFromInt(10)},
	}
	a, err := controller.Register(auctionID, kernel.MechanismVickrey, mechanism)
	require.NoError(t, err)
	a.Start(context.Background(), "10")

	b1, b2, b3 := ids.New(), ids.New(), ids.New()
	for _, bid := range []kernel.Bid{
		{ID: ids.New(), BidderID: b1, Amount: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Timestamp: time.Now()},
		{ID: ids.New(), BidderID: b2, Amount: decimal.NewFromInt(80), Quantity: decimal.NewFromInt(1), Timestamp: time.Now()},
		{ID: ids.New(), BidderID: b3, Amount: decimal.NewFromInt(120), Quantity: decimal.NewFromInt(1), Timestamp: time.Now()},
	} {
		require.NoError(t, a.Bid(context.Background(), bid))
	}

	result, err := a.Finalize(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, result.Winners, 1)
	assert.Equal(t, b3, result.Winners[0].Bid.BidderID)
	assert.True(t, result.ClearingPrice.Equal(decimal.NewFromInt(100)))
	require.Len(t, result.Payments, 1)
	assert.True(t, result.Payments[0].Amount.Equal(decimal.NewFromInt(100)))
}

// Uniform elastic: supply anchored at (10,600), (12,1000),
// (20,3000), floor 10, ceiling 20, so capacity at the clearing price
// is exactly 1000. Bids at 15/200, 14/300, 13/400, 12/500, 11/100,
// reserve 10. Expected clearing price 12: the three bids above it
// clear in full (200+300+400=900), the bid at 12 takes the remaining
// 100 of its 500, and the bid at 11 (below the clearing price) wins
// nothing. Total allocated is exactly 1000.
func TestUniformElasticClearsAtExpectedPrice(t *testing.T) {
	b1, b2, b3, b4, b5 := ids.New(), ids.New(), ids.New(), ids.New(), ids.New()
	bids := []kernel.Bid{
		{ID: b1, Amount: decimal.NewFromInt(15), Quantity: decimal.NewFromInt(200), Timestamp: time.Now()},
		{ID: b2, Amount: decimal.NewFromInt(14), Quantity: decimal.NewFromInt(300), Timestamp: time.Now()},
		{ID: b3, Amount: decimal.NewFromInt(13), Quantity: decimal.NewFromInt(400), Timestamp: time.Now()},
		{ID: b4, Amount: decimal.NewFromInt(12), Quantity: decimal.NewFromInt(500), Timestamp: time.Now()},
		{ID: b5, Amount: decimal.NewFromInt(11), Quantity: decimal.NewFromInt(100), Timestamp: time.Now()},
	}
	supply := kernel.SupplyCurve{
		Points: []kernel.SupplyPoint{
			{Price: 10, Quantity: 600},
			{Price: 12, Quantity: 1000},
			{Price: 20, Quantity: 3000},
		},
		Model:        kernel.ElasticityLinear,
		PriceFloor:   10,
		PriceCeiling: 20,
	}
	res, err := kernel.RunUniformElastic(bids, kernel.UniformElasticConfig{
		ReservePrice: decimal.NewFromInt(10),
		Supply:       supply,
		TieRule:      kernel.TieFirstCome,
	})
	require.NoError(t, err)
	assert.True(t, res.ClearingPrice.Equal(decimal.NewFromInt(12)), "expected clearing price 12, got %s", res.ClearingPrice)

	wantQty := map[ids.ID]decimal.Decimal{
		b1: decimal.NewFromInt(200),
		b2: decimal.NewFromInt(300),
		b3: decimal.NewFromInt(400),
		b4: decimal.NewFromInt(100),
	}
	require.Len(t, res.Winners, len(wantQty))
	total := decimal.Zero
	for _, w := range res.Winners {
		want, ok := wantQty[w.Bid.ID]
		require.True(t, ok, "unexpected winner %s", w.Bid.ID)
		assert.True(t, w.Quantity.Equal(want), "bid %s: want %s, got %s", w.Bid.ID, want, w.Quantity)
		total = total.Add(w.Quantity)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(1000)), "expected total allocated 1000, got %s", total)
}

// AllPay winner_takes_all: bids (a,50),(b,40),(c,30), refund_rate 0.
// Winner a; every bidder pays their full bid.
func TestAllPayWinnerTakesAllChargesEverybody(t *testing.T) {
	a, b, c := ids.New(), ids.New(), ids.New()
	bids := []kernel.Bid{
		{ID: ids.New(), BidderID: a, Amount: decimal.NewFromInt(50), Timestamp: time.Now()},
		{ID: ids.New(), BidderID: b, Amount: decimal.NewFromInt(40), Timestamp: time.Now()},
		{ID: ids.New(), BidderID: c, Amount: decimal.NewFromInt(30), Timestamp: time.Now()},
	}
	res, err := kernel.RunAllPay(bids, kernel.AllPayConfig{
		Prize:      kernel.PrizeWinnerTakesAll,
		RefundRate: decimal.Zero,
	})
	require.NoError(t, err)
	require.Len(t, res.Winners, 1)
	assert.Equal(t, a, res.Winners[0].Bid.BidderID)

	byBidder := map[ids.ID]decimal.Decimal{}
	for i, p := range res.Payments {
		byBidder[bids[i].BidderID] = p.Amount
	}
	assert.True(t, byBidder[a].Equal(decimal.NewFromInt(50)))
	assert.True(t, byBidder[b].Equal(decimal.NewFromInt(40)))
	assert.True(t, byBidder[c].Equal(decimal.NewFromInt(30)))
}

// Three BidSubmitted events for one auction chain correctly, and
// query results are value copies tampering cannot reach back through.
func TestEventLogChainsAndQueryCopiesAreIsolated(t *testing.T) {
	log := eventlog.New()
	auctionID := ids.New()

	for i := 0; i < 3; i++ {
		log.Append(auctionID, eventlog.BidSubmitted{
			BidID:    ids.New(),
			BidderID: ids.New(),
			Amount:   "100",
			Quantity: "1",
		})
	}

	events := log.QueryByAuction(auctionID)
	require.Len(t, events, 3)
	assert.Equal(t, events[0].EventHash, events[1].PreviousHash)
	assert.Equal(t, events[1].EventHash, events[2].PreviousHash)
	assert.True(t, log.VerifyIntegrity())

	events[1].EventHash[0] ^= 0xFF
	assert.True(t, log.VerifyIntegrity(), "mutating a copy returned by QueryByAuction must not affect the log's own integrity")
}

// Phantom improvement: baseline 100.0; five bidders commit
// {101.0, 101.5, 102.0, 101.8, 100.5}, all reveal. Winner offers
// 102.0 (200bps raw), clamped to the 50bps cap: accepted price 100.5.
func TestPhantomImprovementClampedToCap(t *testing.T) {
	clock := newFakeClock()
	cfg := phantom.Config{
		DurationMs:        100,
		RevealDelayMs:     20,
		MinParticipants:   2,
		MinImprovementBps: 10,
		MaxImprovementBps: 50,
	}
	auction := phantom.New(decimal.NewFromFloat(100.0), decimal.NewFromInt(1000), cfg, clock)

	prices := []decimal.Decimal{
		decimal.NewFromFloat(101.0),
		decimal.NewFromFloat(101.5),
		decimal.NewFromFloat(102.0),
		decimal.NewFromFloat(101.8),
		decimal.NewFromFloat(100.5),
	}
	var bidders []ids.ID
	var nonces [][]byte
	for i, p := range prices {
		bidder := ids.New()
		nonce := []byte{byte(i)}
		require.NoError(t, auction.Commit(bidder, phantom.CommitHash(p, nonce)))
		bidders = append(bidders, bidder)
		nonces = append(nonces, nonce)
	}

	clock.advance(81 * time.Millisecond)
	for i, p := range prices {
		require.NoError(t, auction.Reveal(bidders[i], p, nonces[i]))
	}

	res := auction.Resolve()
	require.NotNil(t, res.WinningBid)
	assert.Equal(t, bidders[2], *res.WinningBid)
	assert.Equal(t, int64(50), res.ImprovementBps)
	assert.True(t, res.Price.Equal(decimal.NewFromFloat(100.5)), "expected clamped price 100.5, got %s", res.Price)
}

// Circuit breaker trip: failure_threshold=3, threshold_ms=100:
// three 150ms samples trip the breaker open; past the timeout it
// reports half_open; three good samples close it again.
func TestCircuitBreakerTripsRecoversAndCloses(t *testing.T) {
	clock := newFakeClock()
	cfg := latency.Config{
		CircuitBreakerThresholdMs: 100,
		CircuitFailureThreshold:   3,
		CircuitSuccessThreshold:   3,
		CircuitTimeoutMs:          1_000,
		BypassThresholdMs:         1_000_000,
		RecoveryThresholdMs:       0,
		SlowThreshold:             1_000_000,
		FastThreshold:             1_000_000,
	}
	tracker := latency.NewWithClock(cfg, clock)

	for i := 0; i < 3; i++ {
		tracker.Record("cfmm_bridge", 150_000)
	}
	assert.Equal(t, latency.StateOpen, tracker.CircuitState("cfmm_bridge"))

	clock.advance(1_100 * time.Millisecond)
	assert.True(t, tracker.Allow("cfmm_bridge"))
	assert.Equal(t, latency.StateHalfOpen, tracker.CircuitState("cfmm_bridge"))

	for i := 0; i < 3; i++ {
		tracker.Record("cfmm_bridge", 10_000)
	}
	assert.Equal(t, latency.StateClosed, tracker.CircuitState("cfmm_bridge"))
}

// Two-phase commit rollback: a batch of two settlements where the
// second execution fails: compensations run for the
// completed item, the store's version returns to its pre-batch value,
// and the batch reports failed with no results.
func TestBatchRollsBackOnSecondItemFailure(t *testing.T) {
	store := statestore.New(statestore.DefaultConfig())
	tx := store.Begin(statestore.ReadCommitted)
	store.Put("reserve:USDC", decimal.NewFromInt(1_000_000), tx)
	require.NoError(t, store.Commit(tx, statestore.Abort, nil))

	preBatchSnapshot := store.Snapshot()

	coordinator := twophase.New(store, eventlog.New(), twophase.DefaultConfig())

	p1 := twophase.Params{
		RequestID: ids.New(), Pools: []string{"USDC", "WETH"},
		TokenIn: "USDC", TokenOut: "WETH",
		AmountIn: decimal.NewFromInt(1000), AmountOut: decimal.NewFromInt(10),
		Price: decimal.NewFromFloat(100.0), User: "alice",
	}
	p2 := twophase.Params{
		RequestID: ids.New(), Pools: []string{"DAI", "WETH"},
		TokenIn: "DAI", TokenOut: "WETH",
		AmountIn: decimal.NewFromInt(2000), AmountOut: decimal.NewFromInt(20),
		Price: decimal.NewFromFloat(100.0), User: "bob",
	}

	items := []twophase.BatchItem{
		{Params: p1, Exec: func(ctx context.Context) (twophase.Result, error) {
			store.Put("reserve:USDC", decimal.NewFromInt(999_000), nil)
			return twophase.Result{RequestID: p1.RequestID}, nil
		}},
		{Params: p2, Exec: func(ctx context.Context) (twophase.Result, error) {
			return twophase.Result{}, assertErr("pool DAI/WETH rejected swap")
		}},
	}

	res, err := coordinator.CommitBatch(context.Background(), items, 0)
	require.Error(t, err)
	assert.Equal(t, twophase.BatchFailed, res.Status)
	assert.Empty(t, res.Results)

	postBatchSnapshot := store.Snapshot()
	assert.Equal(t, preBatchSnapshot.Checksum, postBatchSnapshot.Checksum, "state store must return to its pre-batch contents after rollback")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
