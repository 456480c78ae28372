package models

import (
	"time"
)

// Bar is one aggregated bar from the market-data stream.
type Bar struct {
	Symbol    string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	VWAP      float64
	Timestamp time.Time
}

type Quote struct {
	Symbol    string
	BidPrice  float64
	BidSize   float64
	AskPrice  float64
	AskSize   float64
	Timestamp time.Time
}

// Spread returns the bid-ask spread, floored at zero for crossed quotes.
func (q Quote) Spread() float64 {
	if q.AskPrice <= q.BidPrice {
		return 0
	}
	return q.AskPrice - q.BidPrice
}

type TradeTick struct {
	Symbol    string
	Price     float64
	Size      float64
	Timestamp time.Time
}

type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

type Position struct {
	Symbol        string
	Side          PositionSide
	Quantity      float64
	CostBasis     float64
	AvgEntryPrice float64
	MarketValue   float64
	UpdatedAt     time.Time
}

// SignedQuantity returns the quantity with shorts negated.
func (p Position) SignedQuantity() float64 {
	if p.Side == PositionSideShort {
		return -p.Quantity
	}
	return p.Quantity
}

// SignedCostBasis returns the cost basis with shorts negated.
func (p Position) SignedCostBasis() float64 {
	if p.Side == PositionSideShort {
		return -p.CostBasis
	}
	return p.CostBasis
}

type Account struct {
	Equity          float64
	Cash            float64
	TradingBlocked  bool
	AccountBlocked  bool
	ShortingEnabled bool
	UpdatedAt       time.Time
}

type ClockInfo struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

type Asset struct {
	Symbol       string
	Tradable     bool
	Shortable    bool
	Fractionable bool
}
