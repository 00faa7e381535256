package retry

import (
	"context"

	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/pkg/exchanges/common"
)

// PartialFill describes an order that filled short of tolerance.
type PartialFill struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	ClientOrderID string  `json:"client_order_id"`
	Requested     float64 `json:"requested"`
	Filled        float64 `json:"filled"`
	Shortfall     float64 `json:"shortfall"`
}

// SubmitOrder places req through Call. A client order id is assigned once
// so every retry of this intent is deduplicated by the venue. After the
// venue answers, the order is polled until terminal and checked for a
// partial fill; a partial is reported on the result, not as an error.
func (e *Executor) SubmitOrder(ctx context.Context, conn common.Connector, req common.OrderRequest) (common.OrderResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = e.newID()
	}
	key := e.br.Key()
	log := e.log.With(zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
		zap.String("client_order_id", req.ClientOrderID))

	res, err := Call(ctx, e, "place_order", func(ctx context.Context) (common.OrderResult, error) {
		return conn.PlaceOrder(ctx, req)
	})
	if err != nil {
		kind := common.KindOf(err)
		monitor.OrdersTotal.WithLabelValues(key.Account, key.Exchange, string(req.Side), "error").Inc()
		log.Warn("order failed", zap.String("error_kind", string(kind)), zap.Error(err))
		e.bus.Emit(events.EventOrderFailed, key.Account, key.Exchange, map[string]string{
			"symbol": req.Symbol, "side": string(req.Side), "error_kind": string(kind), "error": err.Error(),
		})
		return common.OrderResult{ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Side: req.Side, ErrorKind: kind}, err
	}
	if res.ClientOrderID == "" {
		res.ClientOrderID = req.ClientOrderID
	}
	if res.Symbol == "" {
		res.Symbol = req.Symbol
	}
	if res.Side == "" {
		res.Side = req.Side
	}
	res.RequestedQuantity = req.Quantity

	res = e.verify(ctx, conn, req, res, log)
	e.checkPartial(req, &res, log)

	monitor.OrdersTotal.WithLabelValues(key.Account, key.Exchange, string(req.Side), string(res.Status)).Inc()
	if res.FilledQuantity > 0 {
		e.bus.Emit(events.EventOrderFilled, key.Account, key.Exchange, res)
	}
	return res, nil
}

// verify polls a non-terminal order until the venue reports a terminal
// status or the attempts run out.
func (e *Executor) verify(ctx context.Context, conn common.Connector, req common.OrderRequest, res common.OrderResult, log *zap.Logger) common.OrderResult {
	if res.Status.Terminal() || e.cfg.VerifyAttempts == 0 {
		return res
	}
	q, ok := conn.(common.OrderQuerier)
	if !ok {
		log.Debug("connector cannot query orders, skipping verification", zap.String("status", string(res.Status)))
		return res
	}
	for i := 0; i < e.cfg.VerifyAttempts; i++ {
		if err := e.sleep(ctx, e.cfg.VerifyInterval); err != nil {
			return res
		}
		got, err := Call(ctx, e, "get_order", func(ctx context.Context) (common.OrderResult, error) {
			return q.GetOrder(ctx, req.Symbol, req.ClientOrderID)
		})
		if err != nil {
			log.Warn("order verification failed", zap.Int("attempt", i+1), zap.Error(err))
			if e.guard.Disabled() {
				return res
			}
			continue
		}
		res.Status = got.Status
		res.FilledQuantity = got.FilledQuantity
		res.FilledQuote = got.FilledQuote
		res.AvgFillPrice = got.AvgFillPrice
		if res.OrderID == "" {
			res.OrderID = got.OrderID
		}
		if got.Status.Terminal() {
			return res
		}
	}
	log.Warn("order not terminal after verification", zap.String("status", string(res.Status)),
		zap.Int("attempts", e.cfg.VerifyAttempts))
	return res
}

func (e *Executor) checkPartial(req common.OrderRequest, res *common.OrderResult, log *zap.Logger) {
	short := res.Shortfall(req.SizeType)
	if short <= e.cfg.PartialFillTolerance {
		return
	}
	res.Partial = true
	key := e.br.Key()
	pf := PartialFill{
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		ClientOrderID: req.ClientOrderID,
		Requested:     req.Quantity,
		Filled:        res.FilledQuantity,
		Shortfall:     short,
	}
	monitor.PartialFills.WithLabelValues(key.Account, key.Exchange).Inc()
	log.Warn("PartialFill",
		zap.Float64("requested", req.Quantity), zap.String("size_type", string(req.SizeType)),
		zap.Float64("filled_qty", res.FilledQuantity), zap.Float64("shortfall", short),
		zap.String("status", string(res.Status)))
	e.bus.Emit(events.EventOrderPartiallyFilled, key.Account, key.Exchange, pf)
}
