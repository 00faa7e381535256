package common

import "context"

// Connector is the fixed trading surface every venue implements.
//
// PlaceOrder must be idempotent per OrderRequest.ClientOrderID: resubmitting
// an id the venue has already accepted returns that order instead of
// creating a second one. Errors are reported as *Error so callers can
// classify them with KindOf.
type Connector interface {
	Name() string
	GetBalance(ctx context.Context) (Balance, error)
	GetCandles(ctx context.Context, symbol, interval string, count int) ([]Candle, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOpenPositions(ctx context.Context) ([]Holding, error)
}

// OrderQuerier is implemented by connectors that can look an order up by
// its client order id. Used for post-fill verification.
type OrderQuerier interface {
	GetOrder(ctx context.Context, symbol, clientOrderID string) (OrderResult, error)
}
