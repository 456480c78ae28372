package broker

import (
	"context"

	"github.com/ofb/creek/pkg/models"
)

// Broker is the execution-venue contract the engine trades against.
// Implementations classify every failure as transient, rejected or
// fatal via *Error so callers can pick the right recovery path.
type Broker interface {
	GetClock(ctx context.Context) (models.ClockInfo, error)
	GetAccount(ctx context.Context) (models.Account, error)
	GetAsset(ctx context.Context, symbol string) (models.Asset, error)
	GetAllPositions(ctx context.Context) ([]models.Position, error)
	SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	ReplaceOrder(ctx context.Context, orderID string, quantity, newLimitPrice float64, clientOrderID string) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetLatestQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)
	GetLatestTrades(ctx context.Context, symbols []string) (map[string]models.TradeTick, error)
}

// BarStream delivers one aggregated bar per instrument per bar period.
type BarStream interface {
	Connect(ctx context.Context) error
	Subscribe(symbols []string) error
	Bars() <-chan models.Bar
	Close() error
}
