package actor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivalapexmediation/settlementengine/internal/eventlog"
	"github.com/rivalapexmediation/settlementengine/internal/ids"
	"github.com/rivalapexmediation/settlementengine/internal/kernel"
)

func newTestActor(t *testing.T) (*Actor, *eventlog.Log, ids.ID) {
	t.Helper()
	el := eventlog.New()
	auctionID := ids.New()
	params := kernel.Mechanism{FirstPrice: kernel.FirstPriceConfig{ReservePrice: decimal.NewFromInt(1)}}
	a := New(auctionID, kernel.MechanismFirstPrice, params, el)
	a.Start(context.Background(), "1")
	return a, el, auctionID
}

func TestActor_BidThenFinalizeProducesWinner(t *testing.T) {
	a, el, auctionID := newTestActor(t)
	defer a.Stop()

	bid1 := kernel.Bid{ID: ids.New(), BidderID: ids.New(), Amount: decimal.NewFromInt(10), Timestamp: time.Now()}
	bid2 := kernel.Bid{ID: ids.New(), BidderID: ids.New(), Amount: decimal.NewFromInt(25), Timestamp: time.Now()}

	require.NoError(t, a.Bid(context.Background(), bid1))
	require.NoError(t, a.Bid(context.Background(), bid2))

	result, err := a.Finalize(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, result.Winners, 1)
	assert.Equal(t, bid2.ID, result.Winners[0].Bid.ID)

	snap, err := a.Query(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	require.NotNil(t, snap.Result)

	finalized := el.QueryByType(eventlog.TagAuctionFinalized)
	require.Len(t, finalized, 1)
	assert.Equal(t, auctionID, finalized[0].AuctionID)
}

func TestActor_BidRejectedWhenNotActive(t *testing.T) {
	el := eventlog.New()
	auctionID := ids.New()
	params := kernel.Mechanism{FirstPrice: kernel.FirstPriceConfig{ReservePrice: decimal.Zero}}
	a := New(auctionID, kernel.MechanismFirstPrice, params, el)
	defer a.Stop()
	// never started: still pending

	bid := kernel.Bid{ID: ids.New(), BidderID: ids.New(), Amount: decimal.NewFromInt(5), Timestamp: time.Now()}
	err := a.Bid(context.Background(), bid)
	assert.Error(t, err)

	rejected := el.QueryByType(eventlog.TagBidRejected)
	require.Len(t, rejected, 1)
}

func TestActor_CancelEmitsEventAndIgnoresFurtherBids(t *testing.T) {
	a, el, _ := newTestActor(t)
	defer a.Stop()

	a.Cancel("operator requested")
	time.Sleep(10 * time.Millisecond)

	snap, err := a.Query(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, snap.Status)

	cancelled := el.QueryByType(eventlog.TagAuctionCancelled)
	require.Len(t, cancelled, 1)

	bid := kernel.Bid{ID: ids.New(), BidderID: ids.New(), Amount: decimal.NewFromInt(5), Timestamp: time.Now()}
	err = a.Bid(context.Background(), bid)
	assert.Error(t, err)
}

func TestActor_FIFOOrderingAcrossConcurrentProducers(t *testing.T) {
	a, el, _ := newTestActor(t)
	defer a.Stop()

	const n = 50
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			bid := kernel.Bid{ID: ids.New(), BidderID: ids.New(), Amount: decimal.NewFromInt(int64(i + 1)), Timestamp: time.Now()}
			errs <- a.Bid(context.Background(), bid)
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	snap, err := a.Query(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Bids, n)

	// the mailbox handled the bids one at a time: the accepted-bid order
	// matches the order of the BidSubmitted events it emitted
	submitted := el.QueryByType(eventlog.TagBidSubmitted)
	require.Len(t, submitted, n)
	for i, e := range submitted {
		assert.Equal(t, snap.Bids[i].ID, e.Payload.(eventlog.BidSubmitted).BidID)
	}
}

func TestController_RegisterLookupAndReap(t *testing.T) {
	el := eventlog.New()
	c := NewController(el)
	c.Retention = 0

	auctionID := ids.New()
	params := kernel.Mechanism{FirstPrice: kernel.FirstPriceConfig{ReservePrice: decimal.Zero}}
	a, err := c.Register(auctionID, kernel.MechanismFirstPrice, params)
	require.NoError(t, err)
	a.Start(context.Background(), "0")

	_, err = c.Register(auctionID, kernel.MechanismFirstPrice, params)
	assert.Error(t, err)

	found, ok := c.Lookup(auctionID)
	require.True(t, ok)
	assert.Same(t, a, found)

	a.Cancel("test")
	time.Sleep(10 * time.Millisecond)

	reaped := c.ReapRetired()
	assert.Equal(t, 1, reaped)
	assert.Equal(t, 0, c.Count())
}
