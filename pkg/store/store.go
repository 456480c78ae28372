// Package store persists open trades across restarts and archives
// closed trades. The deviation series rides along as a JSON column.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ofb/creek/pkg/models"
	"github.com/ofb/creek/pkg/trade"
)

type TradeRecord struct {
	Title             string `gorm:"primaryKey"`
	Symbol1           string
	Symbol2           string
	Pearson           float64
	PearsonHistorical float64
	State             string
	OpenedAt          time.Time

	LongSymbol     string
	LongQuantity   float64
	LongEntryPrice float64

	ShortSymbol     string
	ShortQuantity   float64
	ShortEntryPrice float64

	HedgeSymbol     string
	HedgeNotional   float64
	HedgeQuantity   float64
	HedgeEntryPrice float64

	SigmaSeries datatypes.JSON
	UpdatedAt   time.Time
}

type ClosedTradeRecord struct {
	ID    uint `gorm:"primaryKey"`
	Title string

	LongSymbol     string
	LongQuantity   float64
	LongEntryPrice float64
	LongExitPrice  float64

	ShortSymbol     string
	ShortQuantity   float64
	ShortEntryPrice float64
	ShortExitPrice  float64

	HedgeSymbol     string
	HedgeQuantity   float64
	HedgeEntryPrice float64
	HedgeExitPrice  float64

	PL       float64
	PLFinal  bool
	OpenedAt time.Time
	ClosedAt time.Time

	CreatedAt time.Time
}

type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening trade store: %w", err)
	}
	if err := db.AutoMigrate(&TradeRecord{}, &ClosedTradeRecord{}); err != nil {
		return nil, fmt.Errorf("migrating trade store: %w", err)
	}
	return &Store{db: db}, nil
}

// LoadOpenTrades returns the snapshots persisted at the last
// checkpoint.
func (s *Store) LoadOpenTrades() ([]trade.Snapshot, error) {
	var records []TradeRecord
	if err := s.db.Find(&records).Error; err != nil {
		return nil, err
	}
	snaps := make([]trade.Snapshot, 0, len(records))
	for _, r := range records {
		snap, err := r.toSnapshot()
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// SaveOpenTrades replaces the checkpoint with the given snapshots in
// one transaction.
func (s *Store) SaveOpenTrades(snaps []trade.Snapshot) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&TradeRecord{}).Error; err != nil {
			return err
		}
		for _, snap := range snaps {
			rec, err := fromSnapshot(snap)
			if err != nil {
				return err
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Archive appends one closed trade to the archive.
func (s *Store) Archive(ct *trade.ClosedTrade) error {
	pl, final := ct.PL()
	rec := ClosedTradeRecord{
		Title:           ct.Title,
		LongSymbol:      ct.Legs[0].Symbol,
		LongQuantity:    ct.Legs[0].Quantity,
		LongEntryPrice:  ct.Legs[0].EntryPrice,
		LongExitPrice:   ct.Legs[0].ExitPrice,
		ShortSymbol:     ct.Legs[1].Symbol,
		ShortQuantity:   ct.Legs[1].Quantity,
		ShortEntryPrice: ct.Legs[1].EntryPrice,
		ShortExitPrice:  ct.Legs[1].ExitPrice,
		HedgeSymbol:     ct.Hedge.Symbol,
		HedgeQuantity:   ct.Hedge.Quantity,
		HedgeEntryPrice: ct.Hedge.EntryPrice,
		HedgeExitPrice:  ct.Hedge.ExitPrice,
		PL:              pl,
		PLFinal:         final,
		OpenedAt:        ct.OpenedAt,
		ClosedAt:        ct.ClosedAt,
	}
	return s.db.Create(&rec).Error
}

func fromSnapshot(snap trade.Snapshot) (TradeRecord, error) {
	sigma, err := json.Marshal(snap.Sigma)
	if err != nil {
		return TradeRecord{}, fmt.Errorf("encoding deviation series for %s: %w", snap.Title, err)
	}
	return TradeRecord{
		Title:             snap.Title,
		Symbol1:           snap.Symbol1,
		Symbol2:           snap.Symbol2,
		Pearson:           snap.Pearson,
		PearsonHistorical: snap.PearsonHistorical,
		State:             string(snap.State),
		OpenedAt:          snap.OpenedAt,
		LongSymbol:        snap.Legs[0].Symbol,
		LongQuantity:      snap.Legs[0].Quantity,
		LongEntryPrice:    snap.Legs[0].EntryPrice,
		ShortSymbol:       snap.Legs[1].Symbol,
		ShortQuantity:     snap.Legs[1].Quantity,
		ShortEntryPrice:   snap.Legs[1].EntryPrice,
		HedgeSymbol:       snap.Hedge.Symbol,
		HedgeNotional:     snap.Hedge.Notional,
		HedgeQuantity:     snap.Hedge.Quantity,
		HedgeEntryPrice:   snap.Hedge.EntryPrice,
		SigmaSeries:       datatypes.JSON(sigma),
	}, nil
}

func (r TradeRecord) toSnapshot() (trade.Snapshot, error) {
	var sigma []trade.Sample
	if len(r.SigmaSeries) > 0 {
		if err := json.Unmarshal(r.SigmaSeries, &sigma); err != nil {
			return trade.Snapshot{}, fmt.Errorf("decoding deviation series for %s: %w", r.Title, err)
		}
	}
	return trade.Snapshot{
		Title:             r.Title,
		Symbol1:           r.Symbol1,
		Symbol2:           r.Symbol2,
		Pearson:           r.Pearson,
		PearsonHistorical: r.PearsonHistorical,
		State:             trade.State(r.State),
		OpenedAt:          r.OpenedAt,
		Legs: [2]trade.Leg{
			{Symbol: r.LongSymbol, Side: models.OrderSideBuy, Quantity: r.LongQuantity, EntryPrice: r.LongEntryPrice},
			{Symbol: r.ShortSymbol, Side: models.OrderSideSell, Quantity: r.ShortQuantity, EntryPrice: r.ShortEntryPrice},
		},
		Hedge: trade.HedgeLeg{
			Symbol:     r.HedgeSymbol,
			Notional:   r.HedgeNotional,
			Quantity:   r.HedgeQuantity,
			EntryPrice: r.HedgeEntryPrice,
		},
		Sigma: sigma,
	}, nil
}
