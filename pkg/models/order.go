package models

import (
	"time"
)

type Order struct {
	OrderID        string
	ClientOrderID  string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Quantity       float64
	Notional       float64
	LimitPrice     float64
	FilledQuantity float64
	FilledAvgPrice float64
	Status         OrderStatus
	TimeInForce    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Filled reports whether the order is completely filled.
func (o *Order) Filled() bool {
	return o.Status == OrderStatusFilled
}

// Terminal reports whether the broker will make no further changes to
// the order.
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// OrderRequest is one order submission. Exactly one of Quantity or
// Notional is set; Notional is only valid for market orders in
// fractionable instruments.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      float64
	Notional      float64
	LimitPrice    float64
	TimeInForce   string
	ClientOrderID string
}
