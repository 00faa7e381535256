package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/exchanges/binance"
	"execution-core/pkg/exchanges/common"
)

const exchangeName = "binance_spot"

// Config holds Binance spot connection settings.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	QuoteAsset string // balance currency and symbol suffix, default USDT
	// Symbols limits which non-quote balances are reported as positions.
	// Empty means every non-zero balance.
	Symbols []string
	// BaseURL overrides the REST endpoint (tests).
	BaseURL string
	Timeout time.Duration
}

// Client is a Binance spot connector.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	weights    *common.WeightTracker
	symbols    map[string]bool
	log        *zap.Logger
}

var (
	_ common.Connector    = (*Client)(nil)
	_ common.OrderQuerier = (*Client)(nil)
)

func New(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	log = log.With(zap.String("exchange", exchangeName))
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		symbols:    make(map[string]bool, len(cfg.Symbols)),
		log:        log,
	}
	for _, s := range cfg.Symbols {
		c.symbols[strings.ToUpper(s)] = true
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime, log)
	// 6000 weight/min for spot
	c.weights = common.NewWeightTracker(6000, time.Minute, log)
	return c
}

func (c *Client) Name() string { return exchangeName }

// GetBalance returns the free and total amount of the quote asset.
func (c *Client) GetBalance(ctx context.Context) (common.Balance, error) {
	info, err := c.accountInfo(ctx, "get_balance")
	if err != nil {
		return common.Balance{}, err
	}
	out := common.Balance{Currency: c.cfg.QuoteAsset}
	for _, bal := range info.Balances {
		if bal.Asset != c.cfg.QuoteAsset {
			continue
		}
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		out.Available = free
		out.Total = free + locked
	}
	return out, nil
}

// GetOpenPositions reports every non-quote balance as a holding of
// <ASSET><QUOTE>. Spot has no cost basis, so EntryPrice stays zero.
func (c *Client) GetOpenPositions(ctx context.Context) ([]common.Holding, error) {
	info, err := c.accountInfo(ctx, "get_open_positions")
	if err != nil {
		return nil, err
	}
	var out []common.Holding
	for _, bal := range info.Balances {
		if bal.Asset == c.cfg.QuoteAsset {
			continue
		}
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		qty := free + locked
		if qty <= 0 {
			continue
		}
		symbol := bal.Asset + c.cfg.QuoteAsset
		if len(c.symbols) > 0 && !c.symbols[symbol] {
			continue
		}
		out = append(out, common.Holding{Symbol: symbol, Quantity: qty})
	}
	return out, nil
}

// GetCandles fetches the most recent klines from the public endpoint.
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, count int) ([]common.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if count > 0 {
		params.Set("limit", strconv.Itoa(count))
	}
	body, err := c.doPublic(ctx, "get_candles", "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, common.NewError(common.KindUnknown, exchangeName, "get_candles", 0, fmt.Sprintf("decode klines: %v", err))
	}
	candles := make([]common.Candle, 0, len(raw))
	for _, item := range raw {
		if len(item) < 7 {
			continue
		}
		candles = append(candles, common.Candle{
			OpenTime:  time.UnixMilli(toInt64(item[0])),
			Open:      toFloat(item[1]),
			High:      toFloat(item[2]),
			Low:       toFloat(item[3]),
			Close:     toFloat(item[4]),
			Volume:    toFloat(item[5]),
			CloseTime: time.UnixMilli(toInt64(item[6])),
		})
	}
	return candles, nil
}

// PlaceOrder submits a market order. A duplicate client order id returns the
// order the exchange already holds for it.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := c.requireKeys("place_order"); err != nil {
		return common.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", "MARKET")
	if req.SizeType == common.SizeQuote {
		params.Set("quoteOrderQty", formatFloat(req.Quantity))
	} else {
		params.Set("quantity", formatFloat(req.Quantity))
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doSigned(ctx, "place_order", http.MethodPost, "/api/v3/order", params)
	if err != nil {
		if common.KindOf(err) == common.KindDuplicateOrder && req.ClientOrderID != "" {
			c.log.Info("duplicate client order id, fetching existing order",
				zap.String("symbol", req.Symbol), zap.String("client_order_id", req.ClientOrderID))
			return c.GetOrder(ctx, req.Symbol, req.ClientOrderID)
		}
		return common.OrderResult{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, common.NewError(common.KindUnknown, exchangeName, "place_order", 0, fmt.Sprintf("decode order response: %v", err))
	}
	res := resp.result()
	res.RequestedQuantity = req.Quantity
	return res, nil
}

// GetOrder fetches an order by its client order id.
func (c *Client) GetOrder(ctx context.Context, symbol, clientOrderID string) (common.OrderResult, error) {
	if err := c.requireKeys("get_order"); err != nil {
		return common.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	body, err := c.doSigned(ctx, "get_order", http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, common.NewError(common.KindUnknown, exchangeName, "get_order", 0, fmt.Sprintf("decode order: %v", err))
	}
	return resp.result(), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := c.requireKeys("cancel_order"); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.doSigned(ctx, "cancel_order", http.MethodDelete, "/api/v3/order", params)
	return err
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "server_time", "/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

type accountInfo struct {
	CanTrade bool `json:"canTrade"`
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (c *Client) accountInfo(ctx context.Context, op string) (*accountInfo, error) {
	if err := c.requireKeys(op); err != nil {
		return nil, err
	}
	body, err := c.doSigned(ctx, op, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, common.NewError(common.KindUnknown, exchangeName, op, 0, fmt.Sprintf("decode account info: %v", err))
	}
	return &info, nil
}

func (c *Client) requireKeys(op string) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.NewError(common.KindAuth, exchangeName, op, 0, "api key/secret required")
	}
	return nil
}

// doSigned signs the query and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	if c.timeSync.NeedsSync(30 * time.Minute) {
		if err := c.timeSync.Sync(ctx); err != nil {
			c.log.Warn("time sync failed", zap.Error(err))
		}
	}
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, common.Wrap(exchangeName, op, err)
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req, op)
}

func (c *Client) doPublic(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, common.Wrap(exchangeName, op, err)
	}
	return c.do(req, op)
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	if c.weights.ShouldDelay() {
		return nil, common.NewError(common.KindRateLimit, exchangeName, op, 0,
			fmt.Sprintf("request weight budget nearly used, window resets in %s", c.weights.UntilReset()))
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.Wrap(exchangeName, op, err)
	}
	defer res.Body.Close()

	c.weights.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, common.Wrap(exchangeName, op, err)
	}
	if res.StatusCode >= 300 {
		var apiErr struct {
			Code int64  `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.Unmarshal(body, &apiErr)
		if apiErr.Msg == "" {
			apiErr.Msg = fmt.Sprintf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		}
		kind := binance.Classify(apiErr.Code, apiErr.Msg, res.StatusCode)
		if kind == common.KindNonceWindow {
			c.timeSync.Invalidate()
		}
		return nil, common.NewError(kind, exchangeName, op, int(apiErr.Code), apiErr.Msg)
	}
	return body, nil
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Side                string `json:"side"`
	Status              string `json:"status"`
	OrigQty             string `json:"origQty"`
	OrigQuoteOrderQty   string `json:"origQuoteOrderQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

func (r orderResponse) result() common.OrderResult {
	executed, _ := strconv.ParseFloat(r.ExecutedQty, 64)
	quote, _ := strconv.ParseFloat(r.CummulativeQuoteQty, 64)
	requested, _ := strconv.ParseFloat(r.OrigQuoteOrderQty, 64)
	if requested == 0 {
		requested, _ = strconv.ParseFloat(r.OrigQty, 64)
	}
	var avg float64
	if executed > 0 {
		avg = quote / executed
	}
	return common.OrderResult{
		OrderID:           strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:     r.ClientOrderID,
		Symbol:            r.Symbol,
		Side:              common.Side(strings.ToUpper(r.Side)),
		RequestedQuantity: requested,
		FilledQuantity:    executed,
		FilledQuote:       quote,
		AvgFillPrice:      avg,
		Status:            common.MapStatus(r.Status),
	}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	}
	return 0
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}
