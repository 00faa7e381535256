package futures_usdt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	bncommon "github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"

	"execution-core/pkg/exchanges/binance"
	"execution-core/pkg/exchanges/common"
)

const exchangeName = "binance_usdtm"

// Config holds Binance USDT-M futures settings.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	QuoteAsset string // margin asset reported by GetBalance, default USDT
	// BaseURL overrides the REST endpoint (tests).
	BaseURL string
}

// Client is a USDT-M futures connector on top of go-binance.
type Client struct {
	cfg   Config
	api   *futures.Client
	log   *zap.Logger
	price func(ctx context.Context, symbol string) (float64, error)
}

var (
	_ common.Connector    = (*Client)(nil)
	_ common.OrderQuerier = (*Client)(nil)
)

// NewClient creates a connector. Testnet is a package-level switch in
// go-binance, so it applies to every futures client in the process.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	api := futures.NewClient(cfg.APIKey, cfg.APISecret)
	api.HTTPClient = &http.Client{Transport: &statusTransport{base: http.DefaultTransport}}
	if cfg.BaseURL != "" {
		api.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	c := &Client{cfg: cfg, api: api, log: log.With(zap.String("exchange", exchangeName))}
	c.price = c.lastPrice
	return c
}

func (c *Client) Name() string { return exchangeName }

func (c *Client) GetBalance(ctx context.Context) (common.Balance, error) {
	balances, err := c.api.NewGetBalanceService().Do(ctx)
	if err != nil {
		return common.Balance{}, c.wrap("get_balance", err)
	}
	out := common.Balance{Currency: c.cfg.QuoteAsset}
	for _, b := range balances {
		if b.Asset != c.cfg.QuoteAsset {
			continue
		}
		out.Available, _ = strconv.ParseFloat(b.AvailableBalance, 64)
		out.Total, _ = strconv.ParseFloat(b.Balance, 64)
	}
	return out, nil
}

func (c *Client) GetCandles(ctx context.Context, symbol, interval string, count int) ([]common.Candle, error) {
	svc := c.api.NewKlinesService().Symbol(symbol).Interval(interval)
	if count > 0 {
		svc = svc.Limit(count)
	}
	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, c.wrap("get_candles", err)
	}
	out := make([]common.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, common.Candle{
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      parse(k.Open),
			High:      parse(k.High),
			Low:       parse(k.Low),
			Close:     parse(k.Close),
			Volume:    parse(k.Volume),
			CloseTime: time.UnixMilli(k.CloseTime),
		})
	}
	return out, nil
}

// PlaceOrder submits a one-way-mode market order. Quote-sized requests are
// converted to contracts at the last price because the futures API only
// accepts base quantity.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	qty := req.Quantity
	if req.SizeType == common.SizeQuote {
		px, err := c.price(ctx, req.Symbol)
		if err != nil {
			return common.OrderResult{}, err
		}
		if px <= 0 {
			return common.OrderResult{}, common.NewError(common.KindRejected, exchangeName, "place_order", 0, "no price for quote sizing")
		}
		qty = req.Quantity / px
	}

	side := futures.SideTypeBuy
	if req.Side == common.SideSell {
		side = futures.SideTypeSell
	}
	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(qty, 'f', -1, 64)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		werr := c.wrap("place_order", err)
		if common.KindOf(werr) == common.KindDuplicateOrder && req.ClientOrderID != "" {
			c.log.Info("duplicate client order id, fetching existing order",
				zap.String("symbol", req.Symbol), zap.String("client_order_id", req.ClientOrderID))
			return c.GetOrder(ctx, req.Symbol, req.ClientOrderID)
		}
		return common.OrderResult{}, werr
	}

	executed := parse(resp.ExecutedQuantity)
	avg := parse(resp.AvgPrice)
	return common.OrderResult{
		OrderID:           strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:     resp.ClientOrderID,
		Symbol:            resp.Symbol,
		Side:              req.Side,
		RequestedQuantity: req.Quantity,
		FilledQuantity:    executed,
		FilledQuote:       parse(resp.CumQuote),
		AvgFillPrice:      avg,
		Status:            common.MapStatus(string(resp.Status)),
	}, nil
}

func (c *Client) GetOrder(ctx context.Context, symbol, clientOrderID string) (common.OrderResult, error) {
	o, err := c.api.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		return common.OrderResult{}, c.wrap("get_order", err)
	}
	return common.OrderResult{
		OrderID:           strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:     o.ClientOrderID,
		Symbol:            o.Symbol,
		Side:              common.Side(o.Side),
		RequestedQuantity: parse(o.OrigQuantity),
		FilledQuantity:    parse(o.ExecutedQuantity),
		FilledQuote:       parse(o.CumQuote),
		AvgFillPrice:      parse(o.AvgPrice),
		Status:            common.MapStatus(string(o.Status)),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return common.NewError(common.KindRejected, exchangeName, "cancel_order", 0, fmt.Sprintf("bad order id %q", orderID))
	}
	if _, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return c.wrap("cancel_order", err)
	}
	return nil
}

// GetOpenPositions returns every symbol with a non-zero position amount.
// Short positions are reported with negative quantity.
func (c *Client) GetOpenPositions(ctx context.Context) ([]common.Holding, error) {
	risks, err := c.api.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.wrap("get_open_positions", err)
	}
	var out []common.Holding
	for _, p := range risks {
		amt := parse(p.PositionAmt)
		if amt == 0 {
			continue
		}
		out = append(out, common.Holding{Symbol: p.Symbol, Quantity: amt, EntryPrice: parse(p.EntryPrice)})
	}
	return out, nil
}

func (c *Client) lastPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.wrap("get_price", err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return parse(p.Price), nil
		}
	}
	return 0, nil
}

// wrap classifies go-binance errors. API errors carry a Binance code; an
// error response without one is treated as a transport failure, as is
// everything else.
func (c *Client) wrap(op string, err error) error {
	var ce *common.Error
	if errors.As(err, &ce) {
		return common.NewError(ce.Kind, exchangeName, op, ce.Code, ce.Message)
	}
	var apiErr *bncommon.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 0 && apiErr.Message == "" {
			return common.NewError(common.KindNetwork, exchangeName, op, 0, "error response without a binance code")
		}
		return common.NewError(binance.Classify(apiErr.Code, apiErr.Message, 0), exchangeName, op, int(apiErr.Code), apiErr.Message)
	}
	return common.Wrap(exchangeName, op, err)
}

func parse(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
