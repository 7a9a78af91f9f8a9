package kernel

// MechanismKind names one of the five sealed-bid mechanisms this
// package implements, using the same lowercase-snake vocabulary the
// event log's AuctionStarted.Mechanism field carries.
type MechanismKind string

const (
	MechanismFirstPrice      MechanismKind = "first_price"
	MechanismVickrey         MechanismKind = "vickrey"
	MechanismUniformElastic  MechanismKind = "uniform_elastic"
	MechanismAllPay          MechanismKind = "all_pay"
	MechanismCombinatorial   MechanismKind = "combinatorial"
)

// Mechanism bundles a kind with its parameters, so an auction actor
// can hold one value across an auction's lifetime and dispatch
// Finalize without knowing which concrete config type backs it.
type Mechanism struct {
	Kind             MechanismKind
	FirstPrice       FirstPriceConfig
	Vickrey          VickreyConfig
	UniformElastic   UniformElasticConfig
	AllPay           AllPayConfig
	Combinatorial    CombinatorialConfig
}

// Run dispatches to the configured mechanism. Combinatorial's
// bundle-level outcome is flattened into the common Result shape:
// each winning bundle bid wins at its own price, and the clearing
// price reports the accepted total (callers needing the raw winning
// index set call RunCombinatorial directly).
func Run(kind MechanismKind, bids []Bid, m Mechanism) (Result, error) {
	res, err := runMechanism(kind, bids, m)
	if err != nil {
		return Result{}, err
	}
	res.SummaryMetadata = map[string]MetaValue{
		"mechanism":   MetaStringValue(string(kind)),
		"num_bids":    MetaIntValue(int64(len(bids))),
		"num_winners": MetaIntValue(int64(len(res.Winners))),
	}
	return res, nil
}

func runMechanism(kind MechanismKind, bids []Bid, m Mechanism) (Result, error) {
	switch kind {
	case MechanismFirstPrice:
		return RunFirstPrice(bids, m.FirstPrice)
	case MechanismVickrey:
		return RunVickrey(bids, m.Vickrey)
	case MechanismUniformElastic:
		return RunUniformElastic(bids, m.UniformElastic)
	case MechanismAllPay:
		return RunAllPay(bids, m.AllPay)
	case MechanismCombinatorial:
		cr, err := RunCombinatorial(bids, m.Combinatorial)
		if err != nil {
			return Result{}, err
		}
		res := Result{ClearingPrice: cr.TotalPrice, NoValidBids: len(cr.WinningIndices) == 0}
		for _, i := range cr.WinningIndices {
			b := bids[i]
			res.Winners = append(res.Winners, Winner{Bid: b, Quantity: oneOrQuantity(b)})
			res.Payments = append(res.Payments, Payment{BidID: b.ID, Amount: b.Amount})
		}
		return res, nil
	default:
		return Result{}, ErrInvalidConfiguration
	}
}
