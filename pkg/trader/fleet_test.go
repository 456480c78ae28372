package trader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofb/creek/pkg/models"
)

func writePairsFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pearson.csv")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadPairsWithHeader(t *testing.T) {
	path := writePairsFile(t, "symbol1,symbol2,pearson,pearson_historical\nAAA,BBB,0.98,0.97\nCCC,DDD,-0.95,-0.96\n")

	specs, err := LoadPairs(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, PairSpec{Symbol1: "AAA", Symbol2: "BBB", Pearson: 0.98, PearsonHistorical: 0.97}, specs[0])
	assert.Equal(t, PairSpec{Symbol1: "CCC", Symbol2: "DDD", Pearson: -0.95, PearsonHistorical: -0.96}, specs[1])
}

func TestLoadPairsWithoutHeader(t *testing.T) {
	path := writePairsFile(t, "AAA,BBB,0.98,0.97\n")

	specs, err := LoadPairs(path)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "AAA", specs[0].Symbol1)
}

func TestLoadPairsRejectsShortRows(t *testing.T) {
	path := writePairsFile(t, "AAA,BBB,0.98\n")
	_, err := LoadPairs(path)
	assert.Error(t, err)
}

func TestLoadPairsRejectsBadNumbers(t *testing.T) {
	path := writePairsFile(t, "AAA,BBB,high,0.97\n")
	_, err := LoadPairs(path)
	assert.Error(t, err)
}

func TestLoadPairsMissingFile(t *testing.T) {
	_, err := LoadPairs(filepath.Join(t.TempDir(), "absent.csv"))
	assert.Error(t, err)
}

func TestBarCacheLatestWins(t *testing.T) {
	c := NewBarCache()
	_, ok := c.Latest("AAA")
	assert.False(t, ok)

	first := models.Bar{Symbol: "AAA", VWAP: 100, Timestamp: time.Now()}
	second := models.Bar{Symbol: "AAA", VWAP: 101, Timestamp: first.Timestamp.Add(time.Minute)}
	c.Update(first)
	c.Update(second)

	bar, ok := c.Latest("AAA")
	require.True(t, ok)
	assert.InDelta(t, 101.0, bar.VWAP, 1e-9)
}
