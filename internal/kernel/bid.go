// Package kernel implements clearing-price and winner-determination
// logic for the supported sealed-bid mechanisms. Every exported entry
// point is a pure function of (mechanism parameters, bids): no I/O,
// no clock reads beyond what is carried on the bids themselves, no
// shared mutable state.
package kernel

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rivalapexmediation/settlementengine/internal/ids"
)

// Bid is the common shape every mechanism consumes. Single-unit
// mechanisms (FirstPrice, Vickrey, AllPay) only report Quantity back
// as a winner's allocation (1 when it is zero), while UniformElastic
// clears on it; Items is unused except by
// Combinatorial. IsMarginal is a diagnostics hint only; no mechanism
// branches on it.
type Bid struct {
	ID         ids.ID
	BidderID   ids.ID
	Amount     decimal.Decimal
	Quantity   decimal.Decimal
	Timestamp  time.Time
	Items      []string
	Metadata   map[string]MetaValue
	IsMarginal bool
}

// MetaKind tags a MetaValue's variant.
type MetaKind uint8

const (
	MetaInt MetaKind = iota
	MetaFloat
	MetaBool
	MetaString
	MetaTimestamp
	MetaBytes
)

// MetaValue is a member of the closed set of types bid metadata and
// result summaries may carry. Callers wishing to attach richer data
// serialize it into the Bytes variant.
type MetaValue struct {
	Kind  MetaKind
	Int   int64
	Float float64
	Bool  bool
	Str   string
	Time  time.Time
	Bytes []byte
}

func MetaIntValue(v int64) MetaValue        { return MetaValue{Kind: MetaInt, Int: v} }
func MetaFloatValue(v float64) MetaValue    { return MetaValue{Kind: MetaFloat, Float: v} }
func MetaBoolValue(v bool) MetaValue        { return MetaValue{Kind: MetaBool, Bool: v} }
func MetaStringValue(v string) MetaValue    { return MetaValue{Kind: MetaString, Str: v} }
func MetaTimeValue(v time.Time) MetaValue   { return MetaValue{Kind: MetaTimestamp, Time: v} }
func MetaBytesValue(v []byte) MetaValue     { return MetaValue{Kind: MetaBytes, Bytes: v} }

// TieRule selects among bids tied at the same price.
type TieRule string

const (
	TieRandom       TieRule = "random"
	TieFirstCome    TieRule = "first_come"
	TieHighestID    TieRule = "highest_id"
	TieProportional TieRule = "proportional"
)

// Winner pairs a bid with the quantity it was allocated. Single-unit
// mechanisms allocate each winning bid its full Quantity (1 unit when
// Quantity is zero); FirstPrice and Vickrey have exactly one winner,
// while AllPay's top_k and proportional structures can have several.
type Winner struct {
	Bid      Bid
	Quantity decimal.Decimal
	// PrizeShare is the fraction of the prize pool awarded to this
	// winner. Only AllPay sets it (1 for winner_takes_all, the rank or
	// bid share for top_k and proportional); other mechanisms leave it
	// zero.
	PrizeShare decimal.Decimal
}

// Payment is what a single bidder owes, keyed by bid ID so a caller
// can reconcile it against the original bid slice.
type Payment struct {
	BidID  ids.ID
	Amount decimal.Decimal
}

// Result is the full output of running a mechanism to completion: the
// clearing price, the winners with their allocations, and the
// payments due. NoValidBids is set when filterValidBids emptied the
// input entirely; the clearing price is then the reserve and both
// winners and payments are empty.
type Result struct {
	ClearingPrice   decimal.Decimal
	Winners         []Winner
	Payments        []Payment
	NoValidBids     bool
	SummaryMetadata map[string]MetaValue
}

// filterValidBids keeps bids whose Amount is at least reserve.
func filterValidBids(bids []Bid, reserve decimal.Decimal) []Bid {
	out := make([]Bid, 0, len(bids))
	for _, b := range bids {
		if b.Amount.GreaterThanOrEqual(reserve) {
			out = append(out, b)
		}
	}
	return out
}

// sortBidsByPrice returns a stable copy of bids ordered by Amount,
// descending when desc is true. Equal-priced bids keep their relative
// input order; tie order is load-bearing for resolveTies(firstCome).
func sortBidsByPrice(bids []Bid, desc bool) []Bid {
	out := make([]Bid, len(bids))
	copy(out, bids)
	stableSortByPrice(out, desc)
	return out
}

func stableSortByPrice(bids []Bid, desc bool) {
	// insertion sort: stable, and these bid slices are small enough
	// (bounded by per-auction participation) that O(n^2) is a
	// non-issue and keeps the tie-order guarantee obvious by
	// inspection rather than relying on sort.SliceStable's contract.
	for i := 1; i < len(bids); i++ {
		j := i
		for j > 0 && less(bids[j], bids[j-1], desc) {
			bids[j], bids[j-1] = bids[j-1], bids[j]
			j--
		}
	}
}

func less(a, b Bid, desc bool) bool {
	if desc {
		return a.Amount.GreaterThan(b.Amount)
	}
	return a.Amount.LessThan(b.Amount)
}
