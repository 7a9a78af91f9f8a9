package phantom

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivalapexmediation/settlementengine/internal/ids"
)

// fakeClock is a mutable, manually advanced clock, the same
// injectable-clock idiom latency's tests use for circuit-breaker
// timing.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func cfg() Config {
	return Config{
		DurationMs:        100,
		RevealDelayMs:     20,
		MinParticipants:   2,
		MinImprovementBps: 10,
		MaxImprovementBps: 50,
	}
}

func TestCommitHash_DeterministicAndSensitiveToInputs(t *testing.T) {
	nonce := []byte("nonce-a")
	h1 := CommitHash(decimal.NewFromFloat(100.5), nonce)
	h2 := CommitHash(decimal.NewFromFloat(100.5), nonce)
	assert.Equal(t, h1, h2)

	h3 := CommitHash(decimal.NewFromFloat(100.6), nonce)
	assert.NotEqual(t, h1, h3)

	h4 := CommitHash(decimal.NewFromFloat(100.5), []byte("nonce-b"))
	assert.NotEqual(t, h1, h4)
}

func TestAuction_CommitRevealHappyPath(t *testing.T) {
	clock := newFakeClock()
	a := New(decimal.NewFromInt(100), decimal.NewFromInt(1000), cfg(), clock)

	bidderA := ids.New()
	nonceA := []byte("a")
	priceA := decimal.NewFromFloat(101.0)
	require.NoError(t, a.Commit(bidderA, CommitHash(priceA, nonceA)))

	bidderB := ids.New()
	nonceB := []byte("b")
	priceB := decimal.NewFromFloat(102.0)
	require.NoError(t, a.Commit(bidderB, CommitHash(priceB, nonceB)))

	clock.advance(81 * time.Millisecond) // past commitEnd (80ms), before deadline (100ms)

	require.NoError(t, a.Reveal(bidderA, priceA, nonceA))
	require.NoError(t, a.Reveal(bidderB, priceB, nonceB))

	res := a.Resolve()
	require.NotNil(t, res.WinningBid)
	assert.Equal(t, bidderB, *res.WinningBid)
	assert.Equal(t, 2, res.NumParticipants)
}

func TestAuction_CommitRejectedAfterCommitPhaseCloses(t *testing.T) {
	clock := newFakeClock()
	a := New(decimal.NewFromInt(100), decimal.NewFromInt(1000), cfg(), clock)

	clock.advance(90 * time.Millisecond)
	err := a.Commit(ids.New(), CommitHash(decimal.NewFromInt(105), []byte("x")))
	assert.Error(t, err)
}

func TestAuction_DuplicateCommitRejected(t *testing.T) {
	clock := newFakeClock()
	a := New(decimal.NewFromInt(100), decimal.NewFromInt(1000), cfg(), clock)
	bidder := ids.New()
	require.NoError(t, a.Commit(bidder, CommitHash(decimal.NewFromInt(105), []byte("x"))))
	err := a.Commit(bidder, CommitHash(decimal.NewFromInt(106), []byte("y")))
	assert.Error(t, err)
}

func TestAuction_RevealBeforeCommitPhaseClosesRejected(t *testing.T) {
	clock := newFakeClock()
	a := New(decimal.NewFromInt(100), decimal.NewFromInt(1000), cfg(), clock)
	bidder := ids.New()
	nonce := []byte("x")
	price := decimal.NewFromInt(105)
	require.NoError(t, a.Commit(bidder, CommitHash(price, nonce)))

	err := a.Reveal(bidder, price, nonce)
	assert.Error(t, err)
}

func TestAuction_RevealMismatchRejected(t *testing.T) {
	clock := newFakeClock()
	a := New(decimal.NewFromInt(100), decimal.NewFromInt(1000), cfg(), clock)
	bidder := ids.New()
	nonce := []byte("x")
	price := decimal.NewFromInt(105)
	require.NoError(t, a.Commit(bidder, CommitHash(price, nonce)))

	clock.advance(81 * time.Millisecond)
	err := a.Reveal(bidder, decimal.NewFromInt(106), nonce)
	assert.Error(t, err)
}

func TestAuction_RevealAfterDeadlineRejected(t *testing.T) {
	clock := newFakeClock()
	a := New(decimal.NewFromInt(100), decimal.NewFromInt(1000), cfg(), clock)
	bidder := ids.New()
	nonce := []byte("x")
	price := decimal.NewFromInt(105)
	require.NoError(t, a.Commit(bidder, CommitHash(price, nonce)))

	clock.advance(150 * time.Millisecond)
	err := a.Reveal(bidder, price, nonce)
	assert.Error(t, err)
}

func TestAuction_ResolveFallsBackBelowMinParticipants(t *testing.T) {
	clock := newFakeClock()
	a := New(decimal.NewFromInt(100), decimal.NewFromInt(1000), cfg(), clock)
	bidder := ids.New()
	nonce := []byte("x")
	price := decimal.NewFromInt(110)
	require.NoError(t, a.Commit(bidder, CommitHash(price, nonce)))

	clock.advance(81 * time.Millisecond)
	require.NoError(t, a.Reveal(bidder, price, nonce))

	res := a.Resolve()
	assert.Nil(t, res.WinningBid)
	assert.True(t, res.Price.Equal(decimal.NewFromInt(100)))
}

func TestAuction_ResolveFallsBackBelowMinImprovement(t *testing.T) {
	clock := newFakeClock()
	a := New(decimal.NewFromInt(100), decimal.NewFromInt(1000), cfg(), clock)

	b1, n1, p1 := ids.New(), []byte("1"), decimal.NewFromFloat(100.02)
	b2, n2, p2 := ids.New(), []byte("2"), decimal.NewFromFloat(100.01)
	require.NoError(t, a.Commit(b1, CommitHash(p1, n1)))
	require.NoError(t, a.Commit(b2, CommitHash(p2, n2)))

	clock.advance(81 * time.Millisecond)
	require.NoError(t, a.Reveal(b1, p1, n1))
	require.NoError(t, a.Reveal(b2, p2, n2))

	res := a.Resolve()
	assert.Nil(t, res.WinningBid)
	assert.True(t, res.Price.Equal(decimal.NewFromInt(100)))
}

// TestAuction_ResolveClampsAboveMaxImprovement: baseline 100.0, a
// winning reveal of 102.0 (200bps raw improvement) is
// clamped to the 50bps cap, yielding a clearing price of 100.5 rather
// than being rejected to baseline.
func TestAuction_ResolveClampsAboveMaxImprovement(t *testing.T) {
	clock := newFakeClock()
	a := New(decimal.NewFromFloat(100.0), decimal.NewFromInt(1000), cfg(), clock)

	b1, n1, p1 := ids.New(), []byte("1"), decimal.NewFromFloat(102.0)
	b2, n2, p2 := ids.New(), []byte("2"), decimal.NewFromFloat(101.0)
	require.NoError(t, a.Commit(b1, CommitHash(p1, n1)))
	require.NoError(t, a.Commit(b2, CommitHash(p2, n2)))

	clock.advance(81 * time.Millisecond)
	require.NoError(t, a.Reveal(b1, p1, n1))
	require.NoError(t, a.Reveal(b2, p2, n2))

	res := a.Resolve()
	require.NotNil(t, res.WinningBid)
	assert.Equal(t, b1, *res.WinningBid)
	assert.Equal(t, int64(50), res.ImprovementBps)
	assert.True(t, res.Price.Equal(decimal.NewFromFloat(100.5)), "expected clamped price 100.5, got %s", res.Price)
}

func TestAuction_UnderSubscribed(t *testing.T) {
	clock := newFakeClock()
	a := New(decimal.NewFromInt(100), decimal.NewFromInt(1000), cfg(), clock)
	assert.True(t, a.UnderSubscribed())
	require.NoError(t, a.Commit(ids.New(), CommitHash(decimal.NewFromInt(101), []byte("a"))))
	assert.True(t, a.UnderSubscribed())
	require.NoError(t, a.Commit(ids.New(), CommitHash(decimal.NewFromInt(102), []byte("b"))))
	assert.False(t, a.UnderSubscribed())
}

// stubBidder always proposes a fixed price and participation flag.
type stubBidder struct {
	id          ids.ID
	price       decimal.Decimal
	participate bool
}

func (b stubBidder) ID() ids.ID { return b.id }
func (b stubBidder) Propose(ctx context.Context, baseline decimal.Decimal) (decimal.Decimal, bool) {
	return b.price, b.participate
}

func TestRunAuction_NoBiddersFallsBackToBaseline(t *testing.T) {
	c := cfg()
	c.DurationMs = 20
	c.RevealDelayMs = 5
	res := RunAuction(context.Background(), decimal.NewFromInt(100), decimal.NewFromInt(1000), c, nil, nil, nil)
	assert.Nil(t, res.WinningBid)
	assert.True(t, res.Price.Equal(decimal.NewFromInt(100)))
}

func TestRunAuction_BiddersProduceWinner(t *testing.T) {
	c := cfg()
	c.DurationMs = 30
	c.RevealDelayMs = 10
	c.MinParticipants = 2
	c.MinImprovementBps = 1

	bidders := []Bidder{
		stubBidder{id: ids.New(), price: decimal.NewFromFloat(101.0), participate: true},
		stubBidder{id: ids.New(), price: decimal.NewFromFloat(102.0), participate: true},
	}

	res := RunAuction(context.Background(), decimal.NewFromFloat(100.0), decimal.NewFromInt(1000), c, nil, bidders, nil)
	require.NotNil(t, res.WinningBid)
	assert.True(t, res.Price.GreaterThan(decimal.NewFromFloat(100.0)))
}

func TestRunAuction_NonParticipatingBidderIsIgnored(t *testing.T) {
	c := cfg()
	c.DurationMs = 20
	c.RevealDelayMs = 5
	c.MinParticipants = 1
	c.MinImprovementBps = 1

	bidders := []Bidder{
		stubBidder{id: ids.New(), price: decimal.NewFromFloat(101.0), participate: false},
	}
	res := RunAuction(context.Background(), decimal.NewFromFloat(100.0), decimal.NewFromInt(1000), c, nil, bidders, nil)
	assert.Nil(t, res.WinningBid)
}
