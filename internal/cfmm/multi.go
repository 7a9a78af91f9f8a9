package cfmm

import (
	"context"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/shopspring/decimal"
)

// Tier names one bridge in a MultiBridge's waterfall. Lower Priority
// values are consulted first.
type Tier struct {
	Priority int
	Name     string
	Bridge   Bridge
}

// MultiBridge tries each tier in ascending priority order and returns
// the first route/execution/price any tier produces. A tier that
// errors or returns absence falls through to the next.
type MultiBridge struct {
	tiers []Tier
}

// NewMultiBridge builds a composite bridge, sorting tiers by Priority
// ascending (lower tries first).
func NewMultiBridge(tiers []Tier) *MultiBridge {
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &MultiBridge{tiers: sorted}
}

func (m *MultiBridge) GetRoute(ctx context.Context, tokenIn, tokenOut string, amountIn, slippage decimal.Decimal) (*Route, error) {
	var lastErr error
	for _, tier := range m.tiers {
		route, err := tier.Bridge.GetRoute(ctx, tokenIn, tokenOut, amountIn, slippage)
		if err != nil {
			log.WithFields(log.Fields{"tier": tier.Name, "error": err}).Debug("cfmm: tier route failed, falling through")
			lastErr = err
			continue
		}
		if route != nil {
			return route, nil
		}
	}
	return nil, lastErr
}

func (m *MultiBridge) ExecuteDirect(ctx context.Context, tokenIn, tokenOut string, amountIn, slippage decimal.Decimal) (*ExecutionResult, error) {
	var lastErr error
	for _, tier := range m.tiers {
		result, err := tier.Bridge.ExecuteDirect(ctx, tokenIn, tokenOut, amountIn, slippage)
		if err != nil {
			log.WithFields(log.Fields{"tier": tier.Name, "error": err}).Debug("cfmm: tier execute failed, falling through")
			lastErr = err
			continue
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, lastErr
}

func (m *MultiBridge) SpotPrice(ctx context.Context, tokenIn, tokenOut string) (*decimal.Decimal, error) {
	var lastErr error
	for _, tier := range m.tiers {
		price, err := tier.Bridge.SpotPrice(ctx, tokenIn, tokenOut)
		if err != nil {
			lastErr = err
			continue
		}
		if price != nil {
			return price, nil
		}
	}
	return nil, lastErr
}
