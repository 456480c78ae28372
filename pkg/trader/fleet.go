package trader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/ofb/creek/pkg/broker"
	"github.com/ofb/creek/pkg/models"
	"github.com/ofb/creek/pkg/predictor"
	"github.com/ofb/creek/pkg/trade"
)

// PairSpec is one row of the ranked correlation list.
type PairSpec struct {
	Symbol1           string
	Symbol2           string
	Pearson           float64
	PearsonHistorical float64
}

// LoadPairs reads the ranked correlation list produced by the offline
// mining job. Columns: symbol1,symbol2,pearson,pearson_historical.
func LoadPairs(path string) ([]PairSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pairs list: %w", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading pairs list: %w", err)
	}
	specs := make([]PairSpec, 0, len(rows))
	for i, row := range rows {
		if len(row) < 4 {
			return nil, fmt.Errorf("pairs list row %d: expected 4 columns, got %d", i, len(row))
		}
		if i == 0 && row[0] == "symbol1" {
			continue // header
		}
		pearson, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, fmt.Errorf("pairs list row %d: %w", i, err)
		}
		historical, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("pairs list row %d: %w", i, err)
		}
		specs = append(specs, PairSpec{
			Symbol1:           row[0],
			Symbol2:           row[1],
			Pearson:           pearson,
			PearsonHistorical: historical,
		})
	}
	return specs, nil
}

// BuildFleet constructs the trade fleet from the ranked pair list,
// restoring previously open trades from their persisted snapshots.
// Open trades no longer present in the ranked list are still restored.
func BuildFleet(ctx context.Context, b broker.Broker, specs []PairSpec, checkpointDir string,
	snaps []trade.Snapshot, logger *logrus.Logger) (map[string]*trade.Trade, []string, error) {

	assets := make(map[string]models.Asset)
	lookup := func(symbol string) (models.Asset, error) {
		if a, ok := assets[symbol]; ok {
			return a, nil
		}
		a, err := b.GetAsset(ctx, symbol)
		if err != nil {
			return models.Asset{}, fmt.Errorf("looking up asset %s: %w", symbol, err)
		}
		assets[symbol] = a
		return a, nil
	}

	snapByTitle := make(map[string]trade.Snapshot, len(snaps))
	for _, s := range snaps {
		snapByTitle[s.Title] = s
	}

	trades := make(map[string]*trade.Trade, len(specs))
	build := func(symbol1, symbol2 string, pearson, historical float64) error {
		a1, err := lookup(symbol1)
		if err != nil {
			return err
		}
		a2, err := lookup(symbol2)
		if err != nil {
			return err
		}
		pair := models.NewPair(a1, a2, pearson, historical)
		var pred predictor.Predictor
		if g, err := predictor.Load(checkpointDir, pair.Title); err != nil {
			logger.WithError(err).WithField("pair", pair.Title).Warn("Predictor weights missing")
		} else {
			pred = g
		}
		t := trade.New(pair, pred, logger)
		if snap, ok := snapByTitle[pair.Title]; ok && snap.State == trade.StateOpen {
			if err := t.RestoreOpen(snap); err != nil {
				logger.WithError(err).WithField("pair", pair.Title).Error("Failed to restore open trade")
			}
		}
		trades[pair.Title] = t
		return nil
	}

	for _, spec := range specs {
		if err := build(spec.Symbol1, spec.Symbol2, spec.Pearson, spec.PearsonHistorical); err != nil {
			return nil, nil, err
		}
	}
	for _, snap := range snapByTitle {
		if _, ok := trades[snap.Title]; ok {
			continue
		}
		logger.WithField("pair", snap.Title).Info("Restoring open trade absent from ranked list")
		if err := build(snap.Symbol1, snap.Symbol2, snap.Pearson, snap.PearsonHistorical); err != nil {
			return nil, nil, err
		}
	}

	active := make([]string, 0, len(assets))
	for symbol := range assets {
		active = append(active, symbol)
	}
	return trades, active, nil
}

// ProbeHedgeSymbol returns the first hedge candidate that is tradable
// and fractionable. Startup fails if none qualifies.
func ProbeHedgeSymbol(ctx context.Context, b broker.Broker, candidates []string, logger *logrus.Logger) (string, error) {
	for _, symbol := range candidates {
		asset, err := b.GetAsset(ctx, symbol)
		if err != nil {
			logger.WithError(err).WithField("symbol", symbol).Warn("Hedge candidate lookup failed")
			continue
		}
		if asset.Tradable && asset.Fractionable {
			return symbol, nil
		}
		logger.WithField("symbol", symbol).Info("Hedge candidate not fractionable, trying next")
	}
	return "", fmt.Errorf("no tradable fractionable hedge symbol among %v", candidates)
}
