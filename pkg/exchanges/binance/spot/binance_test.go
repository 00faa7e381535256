package spot

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/time", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"serverTime":1700000000000}`)
	})
	mux.HandleFunc("/", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "k", APISecret: "s", BaseURL: srv.URL, Symbols: []string{"BTCUSDT", "ETHUSDT"}}, zap.NewNop())
}

func TestPlaceOrderSendsClientOrderID(t *testing.T) {
	var gotID, gotQuote string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "k", r.Header.Get("X-MBX-APIKEY"))
		assert.NotEmpty(t, r.PostForm.Get("signature"))
		gotID = r.PostForm.Get("newClientOrderId")
		gotQuote = r.PostForm.Get("quoteOrderQty")
		fmt.Fprint(w, `{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"cid-1","side":"BUY","status":"FILLED",
			"origQuoteOrderQty":"100","executedQty":"0.002","cummulativeQuoteQty":"100"}`)
	})

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 100, SizeType: common.SizeQuote, ClientOrderID: "cid-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "cid-1", gotID)
	assert.Equal(t, "100", gotQuote)
	assert.Equal(t, "42", res.OrderID)
	assert.Equal(t, common.StatusFilled, res.Status)
	assert.InDelta(t, 0.002, res.FilledQuantity, 1e-12)
	assert.InDelta(t, 50000, res.AvgFillPrice, 1e-6)
	assert.InDelta(t, 100, res.RequestedQuantity, 1e-12)
}

func TestPlaceOrderDuplicateReturnsExisting(t *testing.T) {
	var posts atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-2010,"msg":"Duplicate order sent."}`)
			return
		}
		assert.Equal(t, "cid-7", r.URL.Query().Get("origClientOrderId"))
		fmt.Fprint(w, `{"symbol":"ETHUSDT","orderId":7,"clientOrderId":"cid-7","side":"SELL","status":"FILLED",
			"origQty":"1.5","executedQty":"1.5","cummulativeQuoteQty":"3000"}`)
	})

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "ETHUSDT", Side: common.SideSell, Quantity: 1.5, SizeType: common.SizeBase, ClientOrderID: "cid-7",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, posts.Load())
	assert.Equal(t, "7", res.OrderID)
	assert.InDelta(t, 2000, res.AvgFillPrice, 1e-9)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   common.ErrorKind
	}{
		{"rate limited", 429, `{"code":-1003,"msg":"Too many requests."}`, common.KindRateLimit},
		{"bad key", 401, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`, common.KindPermission},
		{"funds", 400, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`, common.KindInsufficientFunds},
		{"recv window", 400, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`, common.KindNonceWindow},
		{"gateway", 504, `upstream timeout`, common.KindRateLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := c.GetBalance(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.want, common.KindOf(err))
		})
	}
}

func TestMissingKeysIsAuth(t *testing.T) {
	c := New(Config{}, nil)
	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT"})
	assert.Equal(t, common.KindAuth, common.KindOf(err))
}

func TestBalanceAndPositions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"canTrade":true,"balances":[
			{"asset":"USDT","free":"250.5","locked":"10"},
			{"asset":"BTC","free":"0.01","locked":"0"},
			{"asset":"ETH","free":"0","locked":"0"},
			{"asset":"BNB","free":"3","locked":"0"}]}`)
	})

	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "USDT", bal.Currency)
	assert.InDelta(t, 250.5, bal.Available, 1e-9)
	assert.InDelta(t, 260.5, bal.Total, 1e-9)

	holdings, err := c.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "BTCUSDT", holdings[0].Symbol)
	assert.InDelta(t, 0.01, holdings[0].Quantity, 1e-12)
}

func TestGetCandles(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		fmt.Fprint(w, `[[1700000000000,"1.0","2.0","0.5","1.5","100",1700000059999,"0",1,"0","0","0"],
			[1700000060000,"1.5","2.5","1.0","2.0","80",1700000119999,"0",1,"0","0","0"]]`)
	})
	candles, err := c.GetCandles(context.Background(), "BTCUSDT", "1m", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.InDelta(t, 1.5, candles[0].Close, 1e-12)
	assert.InDelta(t, 2.0, candles[1].Close, 1e-12)
	assert.True(t, candles[0].OpenTime.Before(candles[1].OpenTime))
}
