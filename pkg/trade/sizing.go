package trade

import (
	"math"
)

// LegSizes finds the integer share pair (shortQty, longQty) for an
// open. The price ratio is approximated by a bounded-denominator
// Stern-Brocot search so that both leg notionals stay within half the
// trade size while the short notional never falls below the long
// notional; the pair is then scaled by the largest multiple that still
// fits the cap. Returns (0, 0) when no hedgeable pair fits.
func LegSizes(shortPrice, longPrice, tradeSize float64) (int64, int64) {
	if shortPrice <= 0 || longPrice <= 0 || tradeSize <= 0 {
		return 0, 0
	}
	half := tradeSize / 2
	maxShort := int64(math.Floor(half / shortPrice))
	maxLong := int64(math.Floor(half / longPrice))
	if maxShort < 1 || maxLong < 1 {
		return 0, 0
	}

	// shortQty/longQty >= longPrice/shortPrice keeps the short
	// notional at least as large as the long notional.
	ratio := longPrice / shortPrice

	// Walk the Stern-Brocot tree toward ratio, tracking the tightest
	// fraction at or above it that fits the bounds.
	loN, loD := int64(0), int64(1)
	hiN, hiD := int64(1), int64(0)
	bestN, bestD := int64(0), int64(0)
	for {
		mN, mD := loN+hiN, loD+hiD
		if mN > maxShort || mD > maxLong {
			break
		}
		if float64(mN) >= ratio*float64(mD) {
			hiN, hiD = mN, mD
			bestN, bestD = mN, mD
		} else {
			loN, loD = mN, mD
		}
	}
	if bestD == 0 {
		return 0, 0
	}

	k := maxShort / bestN
	if kl := maxLong / bestD; kl < k {
		k = kl
	}
	return k * bestN, k * bestD
}
