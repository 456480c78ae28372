// Package portfolio ranks candidate opens and enforces the
// portfolio-wide capital and concentration limits.
package portfolio

import (
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ofb/creek/pkg/models"
)

// Candidate is one pair whose open signal fired this cycle.
type Candidate struct {
	Title     string
	Pearson   float64
	Deviation float64
	Long      string
	Short     string
}

// Allocator applies the per-symbol concentration cap and the
// total-capital cap to the set of candidate opens.
type Allocator struct {
	MaxSymbol    float64 // per-symbol exposure cap, fraction of equity
	MaxTradeSize float64 // per-trade notional cap, fraction of equity
	logger       *logrus.Entry
}

func NewAllocator(maxSymbol, maxTradeSize float64, logger *logrus.Logger) *Allocator {
	return &Allocator{
		MaxSymbol:    maxSymbol,
		MaxTradeSize: maxTradeSize,
		logger:       logger.WithField("component", "allocator"),
	}
}

// Sort orders candidates for allocation. Most candidates barely exceed
// the threshold and sort by pearson coefficient; those materially
// beyond it ("outliers") sort by deviation and take priority.
func (a *Allocator) Sort(cands []Candidate, openThreshold float64) []Candidate {
	outliers := make([]Candidate, 0, len(cands))
	bulk := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Deviation > 1.1*openThreshold {
			outliers = append(outliers, c)
		} else {
			bulk = append(bulk, c)
		}
	}
	sort.SliceStable(outliers, func(i, j int) bool {
		return outliers[i].Deviation > outliers[j].Deviation
	})
	sort.SliceStable(bulk, func(i, j int) bool {
		return bulk[i].Pearson > bulk[j].Pearson
	})
	return append(outliers, bulk...)
}

// RemoveConcentration trims candidates that would push any one
// symbol's net exposure past MaxSymbol. Exposure is measured by cost
// basis rather than market value: after a large tandem price move the
// cost basis is the better measure. Highest-priority candidates are
// kept.
func (a *Allocator) RemoveConcentration(cands []Candidate, positions []models.Position, equity float64) []Candidate {
	if equity <= 0 || len(cands) == 0 {
		return cands
	}
	exposure := make(map[string]float64, len(positions))
	for _, p := range positions {
		if _, dup := exposure[p.Symbol]; dup {
			a.logger.WithField("symbol", p.Symbol).Error("Multiple positions in the same symbol")
		}
		exposure[p.Symbol] += p.SignedCostBasis() / equity
	}

	symbols := make(map[string]struct{})
	for _, c := range cands {
		symbols[c.Long] = struct{}{}
		symbols[c.Short] = struct{}{}
	}

	for sym := range symbols {
		frac := exposure[sym]
		// frac + longs*MaxTradeSize/2 <= MaxSymbol
		longs := int(math.Floor((a.MaxSymbol - frac) * 2 / a.MaxTradeSize))
		// frac - shorts*MaxTradeSize/2 >= -MaxSymbol
		shorts := int(math.Floor((a.MaxSymbol + frac) * 2 / a.MaxTradeSize))

		l, s := 0, 0
		for _, c := range cands {
			if c.Long == sym {
				l++
			}
			if c.Short == sym {
				s++
			}
		}
		net := l - s
		if net > longs {
			cands = trimFromEnd(cands, net-longs, func(c Candidate) bool { return c.Long == sym })
		} else if net < -shorts {
			cands = trimFromEnd(cands, -net-shorts, func(c Candidate) bool { return c.Short == sym })
		}
	}
	return cands
}

// trimFromEnd removes up to n matching candidates, lowest priority
// first.
func trimFromEnd(cands []Candidate, n int, match func(Candidate) bool) []Candidate {
	for i := len(cands) - 1; i >= 0 && n > 0; i-- {
		if match(cands[i]) {
			cands = append(cands[:i], cands[i+1:]...)
			n--
		}
	}
	return cands
}

// AvailableSlots divides free capital by the per-trade size set at
// session start.
func (a *Allocator) AvailableSlots(cash, tradeSize float64) int {
	if tradeSize <= 0 {
		return 0
	}
	return int(math.Floor(cash / tradeSize))
}
