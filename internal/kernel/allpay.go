package kernel

import (
	"github.com/shopspring/decimal"
)

// PrizeStructure selects how an AllPay auction's prize pool is split
// among winners.
type PrizeStructure string

const (
	PrizeWinnerTakesAll PrizeStructure = "winner_takes_all"
	PrizeProportional   PrizeStructure = "proportional"
	PrizeTopK           PrizeStructure = "top_k"
)

// AllPayConfig parametrizes an all-pay auction. TopK and
// TopKDistribution are only consulted when Prize is PrizeTopK; the
// distribution is normalized to sum to 1 if it doesn't already.
type AllPayConfig struct {
	ReservePrice     decimal.Decimal
	Prize            PrizeStructure
	TopK             int
	TopKDistribution []decimal.Decimal
	RefundRate       decimal.Decimal
	TieRule          TieRule
}

// RunAllPay charges every participant their bid (refunding
// RefundRate of the losing bids), and determines winners by bid
// amount ordering under the configured prize structure.
func RunAllPay(bids []Bid, cfg AllPayConfig) (Result, error) {
	if err := validateReserve(cfg.ReservePrice); err != nil {
		return Result{}, err
	}
	if cfg.RefundRate.IsNegative() || cfg.RefundRate.GreaterThan(decimal.NewFromInt(1)) {
		return Result{}, ErrInvalidConfiguration
	}

	valid := filterValidBids(bids, cfg.ReservePrice)
	if len(valid) == 0 {
		return Result{ClearingPrice: cfg.ReservePrice, NoValidBids: true}, nil
	}

	sorted := sortBidsByPrice(valid, true)
	k := winnerCount(cfg, len(sorted))
	winnerSet, loserSet := sorted[:k], sorted[k:]

	shares := prizeShares(cfg, winnerSet)

	winners := make([]Winner, len(winnerSet))
	payments := make([]Payment, 0, len(sorted))
	for i, b := range winnerSet {
		winners[i] = Winner{Bid: b, Quantity: oneOrQuantity(b), PrizeShare: shares[i]}
		payments = append(payments, Payment{BidID: b.ID, Amount: b.Amount})
	}
	refundMul := decimal.NewFromInt(1).Sub(cfg.RefundRate)
	for _, b := range loserSet {
		payments = append(payments, Payment{BidID: b.ID, Amount: b.Amount.Mul(refundMul)})
	}

	clearing := decimal.Zero
	if len(winnerSet) > 0 {
		clearing = winnerSet[0].Amount
	}

	return Result{ClearingPrice: clearing, Winners: winners, Payments: payments}, nil
}

func winnerCount(cfg AllPayConfig, total int) int {
	switch cfg.Prize {
	case PrizeTopK:
		k := cfg.TopK
		if k <= 0 {
			k = 1
		}
		if k > total {
			k = total
		}
		return k
	case PrizeProportional:
		return total
	default: // PrizeWinnerTakesAll
		if total == 0 {
			return 0
		}
		return 1
	}
}

// prizeShares assigns each winner its fraction of the prize pool.
// PrizeProportional splits pro-rata by bid amount; PrizeTopK uses
// TopKDistribution normalized to sum to 1 (an even split when unset);
// PrizeWinnerTakesAll gives the sole winner the entire pool.
func prizeShares(cfg AllPayConfig, winnerSet []Bid) []decimal.Decimal {
	k := len(winnerSet)
	shares := make([]decimal.Decimal, k)
	if k == 0 {
		return shares
	}

	switch cfg.Prize {
	case PrizeProportional:
		total := decimal.Zero
		for _, b := range winnerSet {
			total = total.Add(b.Amount)
		}
		if total.IsZero() {
			total = decimal.NewFromInt(1)
		}
		for i, b := range winnerSet {
			shares[i] = b.Amount.Div(total)
		}
	case PrizeTopK:
		if len(cfg.TopKDistribution) == 0 {
			even := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(k)))
			for i := range shares {
				shares[i] = even
			}
			return shares
		}
		total := decimal.Zero
		for _, s := range cfg.TopKDistribution {
			total = total.Add(s)
		}
		if total.IsZero() {
			total = decimal.NewFromInt(1)
		}
		for i := 0; i < k; i++ {
			if i < len(cfg.TopKDistribution) {
				shares[i] = cfg.TopKDistribution[i].Div(total)
			}
		}
	default: // PrizeWinnerTakesAll
		shares[0] = decimal.NewFromInt(1)
	}
	return shares
}
