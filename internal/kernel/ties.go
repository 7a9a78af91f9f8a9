package kernel

import (
	"math"
	"math/rand"
	"strings"
)

// resolveTies picks a single winner from a tied set per rule. For
// TieProportional it returns the whole set unchanged, since allocation
// splitting is the caller's job (see allocateMargin).
// TieRandom draws from rng so callers can make the pick reproducible
// by seeding rng deterministically; a nil rng falls back to a fresh
// source seeded with 1, so the pick is then the same on every call.
func resolveTies(tied []Bid, rule TieRule, rng *rand.Rand) []Bid {
	if len(tied) <= 1 {
		return tied
	}
	switch rule {
	case TieFirstCome:
		best := tied[0]
		for _, b := range tied[1:] {
			if b.Timestamp.Before(best.Timestamp) {
				best = b
			}
		}
		return []Bid{best}
	case TieHighestID:
		best := tied[0]
		for _, b := range tied[1:] {
			if strings.Compare(b.BidderID.String(), best.BidderID.String()) > 0 {
				best = b
			}
		}
		return []Bid{best}
	case TieProportional:
		return tied
	case TieRandom:
		fallthrough
	default:
		if rng == nil {
			rng = rand.New(rand.NewSource(1))
		}
		idx := rng.Intn(len(tied))
		return []Bid{tied[idx]}
	}
}

// augmentedScore computes the weighted tie-break score used by
// uniform-price clearing: wq*log(1+qty) + wt*(-timestamp), highest
// score wins. wq and wt must already satisfy wq+wt <= 1; callers
// validate that at mechanism construction.
func augmentedScore(b Bid, wq, wt float64) float64 {
	qty, _ := b.Quantity.Float64()
	ts := float64(b.Timestamp.UnixNano())
	return wq*math.Log1p(qty) + wt*(-ts)
}

// resolveTiesAugmented picks the single highest-scoring bid under the
// augmented rule.
func resolveTiesAugmented(tied []Bid, wq, wt float64) Bid {
	best := tied[0]
	bestScore := augmentedScore(best, wq, wt)
	for _, b := range tied[1:] {
		if s := augmentedScore(b, wq, wt); s > bestScore {
			best = b
			bestScore = s
		}
	}
	return best
}
