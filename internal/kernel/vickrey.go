package kernel

import (
	"math/rand"

	"github.com/shopspring/decimal"
)

// VickreyConfig parametrizes a second-price sealed-bid mechanism.
type VickreyConfig struct {
	ReservePrice decimal.Decimal
	TieRule      TieRule
	Rng          *rand.Rand
}

// RunVickrey clears at the second-highest valid bid's amount (or the
// reserve, with a single valid bid). The winner pays exactly the
// clearing price, never more than their own bid.
func RunVickrey(bids []Bid, cfg VickreyConfig) (Result, error) {
	if err := validateReserve(cfg.ReservePrice); err != nil {
		return Result{}, err
	}
	valid := filterValidBids(bids, cfg.ReservePrice)
	if len(valid) == 0 {
		return Result{ClearingPrice: cfg.ReservePrice, NoValidBids: true}, nil
	}

	sorted := sortBidsByPrice(valid, true)
	top := topTier(sorted)
	winnerBid := top[0]
	if len(top) > 1 {
		winnerBid = resolveTies(top, orDefault(cfg.TieRule), cfg.Rng)[0]
	}

	clearing := cfg.ReservePrice
	if len(sorted) > len(top) {
		clearing = sorted[len(top)].Amount
	} else if len(top) > 1 {
		clearing = winnerBid.Amount
	}

	return Result{
		ClearingPrice: clearing,
		Winners:       []Winner{{Bid: winnerBid, Quantity: oneOrQuantity(winnerBid)}},
		Payments:      []Payment{{BidID: winnerBid.ID, Amount: clearing}},
	}, nil
}
