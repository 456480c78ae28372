package portfolio

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofb/creek/pkg/models"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func titles(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Title
	}
	return out
}

func TestSortOutliersPrecedeBulk(t *testing.T) {
	a := NewAllocator(0.05, 0.05, testLogger())
	cands := []Candidate{
		{Title: "bulk-low", Pearson: 0.91, Deviation: 3.1},
		{Title: "outlier-small", Pearson: 0.80, Deviation: 3.5},
		{Title: "bulk-high", Pearson: 0.99, Deviation: 3.2},
		{Title: "outlier-big", Pearson: 0.85, Deviation: 5.0},
	}

	sorted := a.Sort(cands, 3.0)
	assert.Equal(t, []string{"outlier-big", "outlier-small", "bulk-high", "bulk-low"}, titles(sorted))
}

func TestSortBulkByPearsonDescending(t *testing.T) {
	a := NewAllocator(0.05, 0.05, testLogger())
	cands := []Candidate{
		{Title: "weak", Pearson: 0.90, Deviation: 3.05},
		{Title: "negative", Pearson: -0.97, Deviation: 3.05},
		{Title: "strong", Pearson: 0.95, Deviation: 3.05},
	}

	sorted := a.Sort(cands, 3.0)
	assert.Equal(t, []string{"strong", "weak", "negative"}, titles(sorted))
}

func TestRemoveConcentrationTrimsSaturatedLong(t *testing.T) {
	a := NewAllocator(0.05, 0.05, testLogger())
	equity := 100000.0
	// XYZ already holds the full per-symbol budget on the long side.
	positions := []models.Position{
		{Symbol: "XYZ", Side: models.PositionSideLong, Quantity: 10, CostBasis: 5000},
	}
	cands := []Candidate{
		{Title: "first", Long: "XYZ", Short: "AAA"},
		{Title: "second", Long: "BBB", Short: "CCC"},
		{Title: "third", Long: "XYZ", Short: "DDD"},
	}

	kept := a.RemoveConcentration(cands, positions, equity)
	assert.Equal(t, []string{"second"}, titles(kept))
}

func TestRemoveConcentrationShortOffsetsLong(t *testing.T) {
	a := NewAllocator(0.05, 0.05, testLogger())
	equity := 100000.0
	positions := []models.Position{
		{Symbol: "XYZ", Side: models.PositionSideLong, Quantity: 10, CostBasis: 5000},
	}
	// One long and one short in XYZ net to zero added exposure.
	cands := []Candidate{
		{Title: "long-side", Long: "XYZ", Short: "AAA"},
		{Title: "short-side", Long: "BBB", Short: "XYZ"},
	}

	kept := a.RemoveConcentration(cands, positions, equity)
	assert.Len(t, kept, 2)
}

func TestRemoveConcentrationKeepsHighestPriority(t *testing.T) {
	a := NewAllocator(0.05, 0.05, testLogger())
	equity := 100000.0
	positions := []models.Position{
		{Symbol: "XYZ", Side: models.PositionSideLong, Quantity: 10, CostBasis: 4000},
	}
	// frac 0.04 against a 0.065 cap leaves room for exactly one long.
	a.MaxSymbol = 0.065
	cands := []Candidate{
		{Title: "first", Long: "XYZ", Short: "AAA"},
		{Title: "second", Long: "XYZ", Short: "BBB"},
	}

	kept := a.RemoveConcentration(cands, positions, equity)
	require.Len(t, kept, 1)
	assert.Equal(t, "first", kept[0].Title)
}

func TestRemoveConcentrationShortSide(t *testing.T) {
	a := NewAllocator(0.05, 0.05, testLogger())
	equity := 100000.0
	positions := []models.Position{
		{Symbol: "XYZ", Side: models.PositionSideShort, Quantity: 10, CostBasis: 5000},
	}
	cands := []Candidate{
		{Title: "more-short", Long: "AAA", Short: "XYZ"},
	}

	kept := a.RemoveConcentration(cands, positions, equity)
	assert.Empty(t, kept)
}

func TestAvailableSlots(t *testing.T) {
	a := NewAllocator(0.05, 0.05, testLogger())
	assert.Equal(t, 3, a.AvailableSlots(10000, 3000))
	assert.Equal(t, 0, a.AvailableSlots(2000, 3000))
	assert.Equal(t, 0, a.AvailableSlots(10000, 0))
}
