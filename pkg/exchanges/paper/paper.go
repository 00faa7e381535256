// Package paper is an in-memory venue used for dry runs. Orders fill
// immediately at the last known price with configurable slippage and fees.
package paper

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

// CandleSource supplies market data, normally a live connector's public
// klines.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol, interval string, count int) ([]common.Candle, error)
}

type Config struct {
	Name           string
	InitialBalance float64
	Currency       string
	FeeRate        float64 // decimal, e.g. 0.001 = 10 bps
	SlippageBps    float64
	// FillRatio below 1 simulates partial fills.
	FillRatio  float64
	LatencyMin time.Duration
	LatencyMax time.Duration
}

// Exchange simulates one account on one venue.
type Exchange struct {
	cfg      Config
	source   CandleSource
	log      *zap.Logger
	rng      *rand.Rand
	mu       sync.Mutex
	balance  float64
	holdings map[string]float64
	prices   map[string]float64
	orders   map[string]common.OrderResult // by client order id
	seq      int64
}

var (
	_ common.Connector    = (*Exchange)(nil)
	_ common.OrderQuerier = (*Exchange)(nil)
)

func New(cfg Config, source CandleSource, log *zap.Logger) *Exchange {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "paper"
	}
	if cfg.Currency == "" {
		cfg.Currency = "USDT"
	}
	if cfg.FillRatio <= 0 || cfg.FillRatio > 1 {
		cfg.FillRatio = 1
	}
	if cfg.LatencyMin > cfg.LatencyMax {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	return &Exchange{
		cfg:      cfg,
		source:   source,
		log:      log.With(zap.String("exchange", cfg.Name)),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		balance:  cfg.InitialBalance,
		holdings: make(map[string]float64),
		prices:   make(map[string]float64),
		orders:   make(map[string]common.OrderResult),
	}
}

func (e *Exchange) Name() string { return e.cfg.Name }

// SetPrice sets the mark used for fills when no candle source is wired or
// before the first candle read.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	e.prices[symbol] = price
	e.mu.Unlock()
}

// Seed puts a holding on the simulated account.
func (e *Exchange) Seed(symbol string, qty float64) {
	e.mu.Lock()
	e.holdings[symbol] = qty
	e.mu.Unlock()
}

func (e *Exchange) GetBalance(ctx context.Context) (common.Balance, error) {
	if err := e.latency(ctx); err != nil {
		return common.Balance{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return common.Balance{Available: e.balance, Total: e.balance, Currency: e.cfg.Currency}, nil
}

func (e *Exchange) GetCandles(ctx context.Context, symbol, interval string, count int) ([]common.Candle, error) {
	if e.source == nil {
		e.mu.Lock()
		px, ok := e.prices[symbol]
		e.mu.Unlock()
		if !ok {
			return nil, common.NewError(common.KindInvalidSymbol, e.cfg.Name, "get_candles", 0, "no price for "+symbol)
		}
		now := time.Now()
		return []common.Candle{{OpenTime: now.Add(-time.Minute), Open: px, High: px, Low: px, Close: px, CloseTime: now}}, nil
	}
	candles, err := e.source.GetCandles(ctx, symbol, interval, count)
	if err != nil {
		return nil, err
	}
	if n := len(candles); n > 0 {
		e.SetPrice(symbol, candles[n-1].Close)
	}
	return candles, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := e.latency(ctx); err != nil {
		return common.OrderResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientOrderID != "" {
		if prev, ok := e.orders[req.ClientOrderID]; ok {
			return prev, nil
		}
	}
	px, ok := e.prices[req.Symbol]
	if !ok || px <= 0 {
		return common.OrderResult{}, common.NewError(common.KindInvalidSymbol, e.cfg.Name, "place_order", 0, "no price for "+req.Symbol)
	}
	if slip := e.cfg.SlippageBps / 10000; slip > 0 {
		noise := e.rng.Float64() * slip
		if req.Side == common.SideBuy {
			px *= 1 + noise
		} else {
			px *= 1 - noise
		}
	}

	qty := req.Quantity
	if req.SizeType == common.SizeQuote {
		qty = req.Quantity / px
	}
	qty *= e.cfg.FillRatio
	notional := qty * px
	fee := notional * e.cfg.FeeRate

	switch req.Side {
	case common.SideBuy:
		if notional+fee > e.balance {
			return common.OrderResult{}, common.NewError(common.KindInsufficientFunds, e.cfg.Name, "place_order", 0,
				fmt.Sprintf("need %.2f, have %.2f", notional+fee, e.balance))
		}
		e.balance -= notional + fee
		if held := e.holdings[req.Symbol] + qty; math.Abs(held) <= qty*1e-9 {
			// a short bought back in full
			delete(e.holdings, req.Symbol)
		} else {
			e.holdings[req.Symbol] = held
		}
	case common.SideSell:
		held := e.holdings[req.Symbol]
		if qty > held*(1+1e-9) {
			return common.OrderResult{}, common.NewError(common.KindInsufficientFunds, e.cfg.Name, "place_order", 0,
				fmt.Sprintf("sell %g exceeds holding %g", qty, held))
		}
		e.balance += notional - fee
		if held-qty <= held*1e-9 {
			delete(e.holdings, req.Symbol)
		} else {
			e.holdings[req.Symbol] = held - qty
		}
	}

	e.seq++
	status := common.StatusFilled
	if e.cfg.FillRatio < 1 {
		status = common.StatusPartial
	}
	res := common.OrderResult{
		OrderID:           strconv.FormatInt(e.seq, 10),
		ClientOrderID:     req.ClientOrderID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		RequestedQuantity: req.Quantity,
		FilledQuantity:    qty,
		FilledQuote:       notional,
		AvgFillPrice:      px,
		Status:            status,
	}
	if req.ClientOrderID != "" {
		e.orders[req.ClientOrderID] = res
	}
	e.log.Debug("paper fill",
		zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
		zap.Float64("qty", qty), zap.Float64("price", px), zap.Float64("balance", e.balance))
	return res, nil
}

func (e *Exchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (common.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.orders[clientOrderID]
	if !ok {
		return common.OrderResult{}, common.NewError(common.KindRejected, e.cfg.Name, "get_order", 0, "unknown order "+clientOrderID)
	}
	if res.Status == common.StatusPartial {
		// the remainder of a simulated partial is never filled
		res.Status = common.StatusCanceled
	}
	return res, nil
}

// CancelOrder always fails: paper orders fill on submission.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return common.NewError(common.KindRejected, e.cfg.Name, "cancel_order", 0, "order "+orderID+" already closed")
}

func (e *Exchange) GetOpenPositions(ctx context.Context) ([]common.Holding, error) {
	if err := e.latency(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.Holding, 0, len(e.holdings))
	for sym, qty := range e.holdings {
		out = append(out, common.Holding{Symbol: sym, Quantity: qty})
	}
	return out, nil
}

func (e *Exchange) latency(ctx context.Context) error {
	if e.cfg.LatencyMax <= 0 {
		return ctx.Err()
	}
	d := e.cfg.LatencyMin
	if span := e.cfg.LatencyMax - e.cfg.LatencyMin; span > 0 {
		e.mu.Lock()
		d += time.Duration(e.rng.Int63n(int64(span) + 1))
		e.mu.Unlock()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return common.Wrap(e.cfg.Name, "latency", ctx.Err())
	case <-t.C:
		return nil
	}
}
