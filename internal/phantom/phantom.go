// Package phantom implements a short sealed-bid commit/reveal auction:
// a sub-100ms price-improvement round run between CFMM baseline
// discovery and atomic commit. Bidders publish SHA-256 commitments
// during the commit window and reveal the pre-image during the reveal
// window; the best verified reveal above the baseline wins.
package phantom

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rivalapexmediation/settlementengine/internal/enginerr"
	"github.com/rivalapexmediation/settlementengine/internal/ids"
)

// Clock abstracts time.Now so deadline tests can drive the auction
// deterministically, the same injectable-clock idiom latency.Clock
// uses.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config holds the auction's timing and acceptance tunables.
type Config struct {
	DurationMs        int64
	RevealDelayMs     int64
	MinParticipants   int
	MinImprovementBps int64
	MaxImprovementBps int64

	// HedgingEnabled fires a second solicitation wave when the commit
	// phase is under-subscribed at its halfway point. Off by default.
	HedgingEnabled bool
}

// DefaultConfig runs a 100ms auction with a 20ms reveal window,
// requiring two revealed bidders and a 10-50bps improvement band.
func DefaultConfig() Config {
	return Config{
		DurationMs:        100,
		RevealDelayMs:     20,
		MinParticipants:   2,
		MinImprovementBps: 10,
		MaxImprovementBps: 50,
		HedgingEnabled:    false,
	}
}

// CommitHash computes H(price ∥ nonce), the commitment a bidder
// publishes during the commit phase and must reproduce at reveal.
func CommitHash(price decimal.Decimal, nonce []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(price.String()))
	h.Write(nonce)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

type commitment struct {
	hash      [32]byte
	committed time.Time
}

type reveal struct {
	bidderID ids.ID
	price    decimal.Decimal
	at       time.Time
}

// Result is the full output of resolving an auction. WinningBid is
// nil when the round fell back to the baseline.
type Result struct {
	WinningBid        *ids.ID
	Price             decimal.Decimal
	Amount            decimal.Decimal
	ImprovementBps    int64
	NumParticipants   int
	DurationMs        int64
}

// Auction is a single sealed-bid commit/reveal round, seeded with a
// CFMM baseline price. The zero value is not usable; construct with
// New.
type Auction struct {
	mu sync.Mutex

	baseline Decimal
	amount   Decimal
	cfg      Config
	clock    Clock
	start    time.Time

	commitments map[ids.ID]commitment
	reveals     []reveal
}

// Decimal is a narrow alias kept local so this file reads naturally;
// it is exactly decimal.Decimal.
type Decimal = decimal.Decimal

// New starts an auction clock against baseline/amount, using clock
// for all deadline checks (nil uses the real system clock).
func New(baseline, amount Decimal, cfg Config, clock Clock) *Auction {
	if clock == nil {
		clock = realClock{}
	}
	return &Auction{
		baseline:    baseline,
		amount:      amount,
		cfg:         cfg,
		clock:       clock,
		start:       clock.Now(),
		commitments: make(map[ids.ID]commitment),
	}
}

// commitEnd is the wall-clock instant the commit phase closes:
// duration_ms - reveal_delay_ms after start.
func (a *Auction) commitEnd() time.Time {
	window := a.cfg.DurationMs - a.cfg.RevealDelayMs
	if window < 0 {
		window = 0
	}
	return a.start.Add(time.Duration(window) * time.Millisecond)
}

// deadline is the absolute end of the auction: duration_ms after
// start. Exceeding it at any stage terminates the auction with "no
// improvement".
func (a *Auction) deadline() time.Time {
	return a.start.Add(time.Duration(a.cfg.DurationMs) * time.Millisecond)
}

// Expired reports whether the auction's absolute deadline has passed.
func (a *Auction) Expired() bool {
	return a.clock.Now().After(a.deadline())
}

// Commit records bidderID's commitment hash. Rejected once the commit
// phase has closed or the bidder already committed.
func (a *Auction) Commit(bidderID ids.ID, hash [32]byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if now.After(a.commitEnd()) {
		return fmt.Errorf("phantom: commit phase closed for bidder %s: %w", bidderID, enginerr.ErrTimeout)
	}
	if _, exists := a.commitments[bidderID]; exists {
		return fmt.Errorf("phantom: bidder %s already committed: %w", bidderID, enginerr.ErrValidation)
	}
	a.commitments[bidderID] = commitment{hash: hash, committed: now}
	return nil
}

// Reveal verifies bidderID's (price, nonce) reproduces its stored
// commitment and, if so, records it as a verified reveal. Reveals
// outside [commitEnd, deadline] or that mismatch their commitment are
// rejected without panicking.
func (a *Auction) Reveal(bidderID ids.ID, price Decimal, nonce []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if now.Before(a.commitEnd()) {
		return fmt.Errorf("phantom: reveal phase has not started for bidder %s: %w", bidderID, enginerr.ErrValidation)
	}
	if now.After(a.deadline()) {
		return fmt.Errorf("phantom: auction deadline exceeded for bidder %s: %w", bidderID, enginerr.ErrTimeout)
	}

	c, ok := a.commitments[bidderID]
	if !ok {
		return fmt.Errorf("phantom: bidder %s has no commitment: %w", bidderID, enginerr.ErrValidation)
	}

	candidate := CommitHash(price, nonce)
	if subtle.ConstantTimeCompare(candidate[:], c.hash[:]) != 1 {
		return fmt.Errorf("phantom: bidder %s reveal does not match commitment: %w", bidderID, enginerr.ErrValidation)
	}

	a.reveals = append(a.reveals, reveal{bidderID: bidderID, price: price, at: now})
	return nil
}

// UnderSubscribed reports whether, as of now, fewer bidders have
// committed than MinParticipants, the signal a caller uses to decide
// whether to fire the hedged second solicitation wave.
func (a *Auction) UnderSubscribed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.commitments) < a.cfg.MinParticipants
}

// Resolve computes the auction's outcome from whatever reveals were
// collected, first-price on the verified reveal set with ties broken
// by earliest reveal timestamp. A raw improvement below
// MinImprovementBps, or fewer than MinParticipants reveals, yields no
// winner (fall back to baseline). A raw improvement above
// MaxImprovementBps is clamped to the cap rather than rejected: the
// winner still wins, at baseline * (1 + cap/10000).
func (a *Auction) Resolve() Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	elapsed := a.clock.Now().Sub(a.start).Milliseconds()

	result := Result{
		Price:           a.baseline,
		Amount:          a.amount,
		NumParticipants: len(a.reveals),
		DurationMs:      elapsed,
	}

	if len(a.reveals) < a.cfg.MinParticipants || len(a.reveals) == 0 {
		return result
	}

	best := a.reveals[0]
	for _, r := range a.reveals[1:] {
		if r.price.GreaterThan(best.price) {
			best = r
			continue
		}
		if r.price.Equal(best.price) && r.at.Before(best.at) {
			best = r
		}
	}

	if a.baseline.IsZero() || !best.price.GreaterThan(a.baseline) {
		return result
	}

	bps := best.price.Sub(a.baseline).Div(a.baseline).Mul(decimal.NewFromInt(10_000))
	bpsInt := bps.IntPart()

	if bpsInt < a.cfg.MinImprovementBps {
		return result
	}

	finalPrice := best.price
	finalBps := bpsInt
	if a.cfg.MaxImprovementBps > 0 && bpsInt > a.cfg.MaxImprovementBps {
		finalBps = a.cfg.MaxImprovementBps
		factor := decimal.NewFromInt(1).Add(decimal.NewFromInt(a.cfg.MaxImprovementBps).Div(decimal.NewFromInt(10_000)))
		finalPrice = a.baseline.Mul(factor)
	}

	winner := best.bidderID
	result.WinningBid = &winner
	result.Price = finalPrice
	result.ImprovementBps = finalBps
	return result
}

// Bidder is a phantom-auction participant: a strategy that, offered
// the baseline price, decides whether to commit an improved price.
type Bidder interface {
	ID() ids.ID
	Propose(ctx context.Context, baseline Decimal) (price Decimal, participate bool)
}

// RunAuction drives a full commit/reveal round against bidders
// concurrently, one goroutine per bidder, bounded by the auction
// deadline. If hedging is enabled and the commit phase is
// under-subscribed at its halfway point, hedgeBidders are given the
// remainder of the commit/reveal window as a second wave.
func RunAuction(ctx context.Context, baseline, amount Decimal, cfg Config, clock Clock, bidders, hedgeBidders []Bidder) Result {
	auction := New(baseline, amount, cfg, clock)

	deadline := auction.deadline()
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var wg sync.WaitGroup
	dispatch(runCtx, auction, bidders, &wg)

	if cfg.HedgingEnabled && len(hedgeBidders) > 0 {
		commitWindow := time.Until(auction.commitEnd())
		if commitWindow > 0 {
			select {
			case <-time.After(commitWindow / 2):
			case <-runCtx.Done():
			}
			if auction.UnderSubscribed() {
				dispatch(runCtx, auction, hedgeBidders, &wg)
			}
		}
	}

	wg.Wait()
	return auction.Resolve()
}

func dispatch(ctx context.Context, auction *Auction, bidders []Bidder, wg *sync.WaitGroup) {
	for _, b := range bidders {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			runBidder(ctx, auction, b)
		}()
	}
}

func runBidder(ctx context.Context, auction *Auction, b Bidder) {
	price, participate := b.Propose(ctx, auction.baseline)
	if !participate {
		return
	}

	nonce := ids.New().Bytes()
	hash := CommitHash(price, nonce)
	if err := auction.Commit(b.ID(), hash); err != nil {
		return
	}

	wait := time.Until(auction.commitEnd())
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}

	_ = auction.Reveal(b.ID(), price, nonce)
}
