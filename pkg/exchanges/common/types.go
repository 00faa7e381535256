package common

import (
	"strings"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SizeType says which unit OrderRequest.Quantity is expressed in.
type SizeType string

const (
	SizeBase  SizeType = "BASE"  // quantity of the traded asset
	SizeQuote SizeType = "QUOTE" // notional in the quote currency
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further fills can happen for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// MapStatus converts an exchange status string into OrderStatus.
func MapStatus(s string) OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return StatusNew
	case "PARTIALLY_FILLED", "PARTIAL":
		return StatusPartial
	case "FILLED":
		return StatusFilled
	case "CANCELED", "CANCELLED", "PENDING_CANCEL":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// MarketType distinguishes venues a connector can be built for.
type MarketType string

const (
	MarketSpot    MarketType = "SPOT"
	MarketUSDTFut MarketType = "USDT_FUTURES"
	MarketPaper   MarketType = "PAPER"
)

// Balance is the spendable quote balance of an account.
type Balance struct {
	Available float64 `json:"available"`
	Total     float64 `json:"total"`
	Currency  string  `json:"currency"`
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// Holding is an open position as the exchange reports it. EntryPrice is zero
// when the venue does not track a cost basis (spot balances).
type Holding struct {
	Symbol     string
	Quantity   float64
	EntryPrice float64
}

// OrderRequest captures an order intent to be sent to an exchange.
// ClientOrderID must be stable across retries of the same intent.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Quantity      float64
	SizeType      SizeType
	ClientOrderID string
	ReduceOnly    bool
}

// OrderResult is the normalized outcome of an order.
type OrderResult struct {
	OrderID           string      `json:"order_id"`
	ClientOrderID     string      `json:"client_order_id"`
	Symbol            string      `json:"symbol"`
	Side              Side        `json:"side"`
	RequestedQuantity float64     `json:"requested_quantity"`
	FilledQuantity    float64     `json:"filled_quantity"`
	FilledQuote       float64     `json:"filled_quote"`
	AvgFillPrice      float64     `json:"avg_fill_price"`
	Status            OrderStatus `json:"status"`
	ErrorKind         ErrorKind   `json:"error_kind,omitempty"`
	Partial           bool        `json:"partial"`
}

// Shortfall returns the unfilled fraction of the requested size, measured in
// the unit the order was sized in.
func (r OrderResult) Shortfall(sizeType SizeType) float64 {
	if r.RequestedQuantity <= 0 {
		return 0
	}
	filled := r.FilledQuantity
	if sizeType == SizeQuote {
		filled = r.FilledQuote
		if filled == 0 {
			filled = r.FilledQuantity * r.AvgFillPrice
		}
	}
	short := (r.RequestedQuantity - filled) / r.RequestedQuantity
	if short < 0 {
		return 0
	}
	return short
}
