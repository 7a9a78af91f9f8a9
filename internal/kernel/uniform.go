package kernel

import (
	"math"
	"math/rand"

	"github.com/shopspring/decimal"
)

// UniformElasticConfig parametrizes a uniform-price auction against
// an elastic supply curve.
type UniformElasticConfig struct {
	ReservePrice decimal.Decimal
	Supply       SupplyCurve
	TieRule      TieRule
	// AugmentedWq/AugmentedWt activate the "augmented" tie-break when
	// TieRule is empty and either weight is non-zero; wq+wt must be
	// <= 1.
	AugmentedWq float64
	AugmentedWt float64
	Tolerance   float64
	Rng         *rand.Rand
}

const defaultTolerance = 1e-6

// RunUniformElastic finds the clearing price by bisection: the
// smallest p such that demand above p does not exceed S(p), then
// allocates full quantity above the clearing price and splits the
// remainder at the margin per the configured tie rule.
func RunUniformElastic(bids []Bid, cfg UniformElasticConfig) (Result, error) {
	if err := validateReserve(cfg.ReservePrice); err != nil {
		return Result{}, err
	}
	if cfg.AugmentedWq+cfg.AugmentedWt > 1+1e-9 || cfg.AugmentedWq < 0 || cfg.AugmentedWt < 0 {
		return Result{}, ErrInvalidConfiguration
	}
	tol := cfg.Tolerance
	if tol <= 0 {
		tol = defaultTolerance
	}

	valid := filterValidBids(bids, cfg.ReservePrice)
	if len(valid) == 0 {
		return Result{ClearingPrice: cfg.ReservePrice, NoValidBids: true}, nil
	}

	clearing := bisectClearingPrice(valid, cfg.Supply, tol)
	clearingDec := decimal.NewFromFloat(clearing)

	above, atMargin := partitionAtPrice(valid, clearing)
	capacity := decimal.NewFromFloat(cfg.Supply.At(clearing))

	winners := make([]Winner, 0, len(valid))
	used := decimal.Zero
	for _, b := range above {
		q := oneOrQuantity(b)
		winners = append(winners, Winner{Bid: b, Quantity: q})
		used = used.Add(q)
	}

	remaining := capacity.Sub(used)
	if remaining.IsPositive() && len(atMargin) > 0 {
		winners = append(winners, allocateMargin(atMargin, remaining, cfg)...)
	}

	payments := make([]Payment, len(winners))
	for i, w := range winners {
		payments[i] = Payment{BidID: w.Bid.ID, Amount: clearingDec.Mul(w.Quantity)}
	}

	return Result{ClearingPrice: clearingDec, Winners: winners, Payments: payments}, nil
}

// bisectClearingPrice locates the smallest p in [Supply.PriceFloor,
// Supply.PriceCeiling] such that demand strictly above p does not
// exceed Supply.At(p), matching partitionAtPrice's above/atMargin
// split: bids strictly above the clearing price are fully served from
// supply, bids at the margin share what's left. Demand is a step
// function of p (it only changes at submitted bid prices), so the
// crossing point often lands exactly on a bid price, though it can
// also fall between two where rising supply meets a flat demand
// step. The bisection only narrows to within tol of it, so a result
// within tol of a bid price is snapped to that price to avoid
// floating-point noise.
func bisectClearingPrice(bids []Bid, supply SupplyCurve, tol float64) float64 {
	lo, hi := supply.PriceFloor, supply.PriceCeiling
	if hi <= lo {
		return lo
	}
	excess := func(p float64) float64 {
		return demandAbove(bids, p) - supply.At(p)
	}
	if excess(lo) <= 0 {
		return lo
	}
	if excess(hi) > 0 {
		return hi
	}
	for hi-lo > tol {
		mid := lo + (hi-lo)/2
		if excess(mid) <= 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return snapToBidPrice(bids, hi, tol)
}

// snapToBidPrice rounds a bisection result to an exact bid amount
// when one lies within tol, so a clearing price that lands on a
// submitted bid isn't reported with binary-search floating error.
func snapToBidPrice(bids []Bid, p, tol float64) float64 {
	for _, b := range bids {
		amt, _ := b.Amount.Float64()
		if math.Abs(amt-p) <= tol {
			return amt
		}
	}
	return p
}

func demandAbove(bids []Bid, p float64) float64 {
	total := 0.0
	for _, b := range bids {
		amt, _ := b.Amount.Float64()
		if amt > p {
			q, _ := oneOrQuantity(b).Float64()
			total += q
		}
	}
	return total
}

// partitionAtPrice splits valid bids into those strictly above the
// clearing price (fully allocated) and those exactly at it (contend
// for the remaining capacity).
func partitionAtPrice(bids []Bid, clearing float64) (above, atMargin []Bid) {
	for _, b := range bids {
		amt, _ := b.Amount.Float64()
		switch {
		case amt > clearing+defaultTolerance:
			above = append(above, b)
		case amt >= clearing-defaultTolerance:
			atMargin = append(atMargin, b)
		}
	}
	return above, atMargin
}

// allocateMargin distributes remaining capacity among bids tied at
// the clearing price, per the configured tie rule for uniform-price
// clearing.
func allocateMargin(tied []Bid, remaining decimal.Decimal, cfg UniformElasticConfig) []Winner {
	if cfg.TieRule == "" && (cfg.AugmentedWq != 0 || cfg.AugmentedWt != 0) {
		best := resolveTiesAugmented(tied, cfg.AugmentedWq, cfg.AugmentedWt)
		return []Winner{{Bid: best, Quantity: capAt(oneOrQuantity(best), remaining)}}
	}

	rule := orDefault(cfg.TieRule)
	if rule == TieProportional {
		totalQty := decimal.Zero
		for _, b := range tied {
			totalQty = totalQty.Add(oneOrQuantity(b))
		}
		if totalQty.IsZero() {
			return nil
		}
		winners := make([]Winner, 0, len(tied))
		for _, b := range tied {
			share := oneOrQuantity(b).Div(totalQty).Mul(remaining)
			winners = append(winners, Winner{Bid: b, Quantity: share})
		}
		return winners
	}

	picked := resolveTies(tied, rule, cfg.Rng)
	winners := make([]Winner, 0, len(picked))
	for _, b := range picked {
		winners = append(winners, Winner{Bid: b, Quantity: capAt(oneOrQuantity(b), remaining)})
	}
	return winners
}

func capAt(q, max decimal.Decimal) decimal.Decimal {
	if q.GreaterThan(max) {
		return max
	}
	return q
}
