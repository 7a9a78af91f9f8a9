package kernel

import (
	"math/rand"

	"github.com/shopspring/decimal"
)

// FirstPriceConfig parametrizes a first-price sealed-bid mechanism.
type FirstPriceConfig struct {
	ReservePrice decimal.Decimal
	TieRule      TieRule
	Rng          *rand.Rand
}

// RunFirstPrice clears at the highest valid bid's own amount; the
// winner pays exactly what they bid.
func RunFirstPrice(bids []Bid, cfg FirstPriceConfig) (Result, error) {
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

	return Result{
		ClearingPrice: winnerBid.Amount,
		Winners:       []Winner{{Bid: winnerBid, Quantity: oneOrQuantity(winnerBid)}},
		Payments:      []Payment{{BidID: winnerBid.ID, Amount: winnerBid.Amount}},
	}, nil
}

// topTier returns the leading run of sorted (descending) bids that
// share the best price.
func topTier(sorted []Bid) []Bid {
	if len(sorted) == 0 {
		return nil
	}
	best := sorted[0].Amount
	i := 1
	for i < len(sorted) && sorted[i].Amount.Equal(best) {
		i++
	}
	return sorted[:i]
}

func orDefault(rule TieRule) TieRule {
	if rule == "" {
		return TieFirstCome
	}
	return rule
}

func oneOrQuantity(b Bid) decimal.Decimal {
	if b.Quantity.IsZero() {
		return decimal.NewFromInt(1)
	}
	return b.Quantity
}

func validateReserve(reserve decimal.Decimal) error {
	if reserve.IsNegative() {
		return ErrInvalidConfiguration
	}
	return nil
}
