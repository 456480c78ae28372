package models

// Pair is an immutable pair of correlated instruments traded as one
// economic unit. The title is "SYMBOL1-SYMBOL2" and keys everything
// downstream: checkpoints, trade records, order ownership.
type Pair struct {
	Title             string
	Legs              [2]Asset
	Pearson           float64
	PearsonHistorical float64
}

func NewPair(a, b Asset, pearson, pearsonHistorical float64) Pair {
	return Pair{
		Title:             a.Symbol + "-" + b.Symbol,
		Legs:              [2]Asset{a, b},
		Pearson:           pearson,
		PearsonHistorical: pearsonHistorical,
	}
}

// Tradable reports whether both legs can be traded and shorted. A pair
// that fails this is disabled for the whole run.
func (p Pair) Tradable() bool {
	for _, leg := range p.Legs {
		if !leg.Tradable || !leg.Shortable {
			return false
		}
	}
	return true
}

// Symbols returns the two leg symbols in order.
func (p Pair) Symbols() [2]string {
	return [2]string{p.Legs[0].Symbol, p.Legs[1].Symbol}
}
