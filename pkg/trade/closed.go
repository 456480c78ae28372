package trade

import (
	"time"

	"github.com/ofb/creek/pkg/models"
)

// ClosedTrade is the immutable snapshot taken at close. Created
// exactly once per close; never mutated afterward except to backfill
// the hedge leg's exit price once the consolidated hedge order fills.
type ClosedTrade struct {
	Title    string
	Legs     [2]Leg
	Hedge    HedgeLeg
	OpenedAt time.Time
	ClosedAt time.Time

	hedgeExitSet bool
}

func newClosedTrade(t *Trade, closedAt time.Time) *ClosedTrade {
	return &ClosedTrade{
		Title:    t.pair.Title,
		Legs:     t.legs,
		Hedge:    t.hedge,
		OpenedAt: t.openedAt,
		ClosedAt: closedAt,
	}
}

// LegPL returns the realized P&L of one leg.
func (c *ClosedTrade) LegPL(i int) float64 {
	leg := c.Legs[i]
	if leg.Side == models.OrderSideSell {
		return (leg.EntryPrice - leg.ExitPrice) * leg.Quantity
	}
	return (leg.ExitPrice - leg.EntryPrice) * leg.Quantity
}

// SetHedgeExitPrice backfills the hedge exit once the consolidated
// hedge sell fills. P&L is only finalized after this call.
func (c *ClosedTrade) SetHedgeExitPrice(price float64) {
	c.Hedge.ExitPrice = price
	c.hedgeExitSet = true
}

// PL returns the aggregate realized P&L and whether it is final. Until
// the hedge exit price is backfilled the aggregate excludes the hedge
// leg and is not final.
func (c *ClosedTrade) PL() (float64, bool) {
	pl := c.LegPL(0) + c.LegPL(1)
	if c.Hedge.Quantity == 0 {
		return pl, true
	}
	if !c.hedgeExitSet {
		return pl, false
	}
	return pl + (c.Hedge.ExitPrice-c.Hedge.EntryPrice)*c.Hedge.Quantity, true
}

// HedgeFinalized reports whether the hedge exit has been backfilled.
func (c *ClosedTrade) HedgeFinalized() bool {
	return c.Hedge.Quantity == 0 || c.hedgeExitSet
}
