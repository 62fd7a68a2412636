package exchange

import (
	"context"

	"github.com/Alias1177/Trader/models"
)

// OrderSpec describes an order to be submitted to the exchange. ClientOrderID
// is the caller-generated idempotency key: resubmitting the same spec must
// not create a duplicate exchange order.
type OrderSpec struct {
	Symbol        string
	Side          models.OrderSide
	Type          models.OrderType
	Quantity      string
	Price         float64
	ClientOrderID string
}

// OrderStatus is the exchange-reported truth for a single order
type OrderStatus struct {
	ExchangeOrderID string
	State           models.OrderState
	FilledQty       float64
	AvgPrice        float64
}

// Client is the abstract exchange capability consumed by the trading engine.
// Every call may fail with network, timeout or rejection errors and none may
// be assumed synchronous-instant.
type Client interface {
	FetchCandles(ctx context.Context, symbol, interval string, count int) ([]models.Candle, error)
	FetchBalance(ctx context.Context, currency string) (float64, error)
	SubmitOrder(ctx context.Context, spec OrderSpec) (string, error)
	FetchOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	Fetch24hStats(ctx context.Context, symbol string) (*models.MarketStats, error)
}
