package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"execution-core/internal/breaker"
	"execution-core/internal/management"
	"execution-core/internal/monitor"
	"execution-core/internal/position"
	"execution-core/internal/retry"
	"execution-core/internal/strategy"
	"execution-core/pkg/cache"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

const (
	reasonSignal = "signal"
	reasonDust   = "dust"
	reasonEntry  = "entry"
)

// cycleRun is the scratch state of one cycle.
type cycleRun struct {
	guard   *breaker.CycleGuard
	aborted bool
	market  map[string]strategy.MarketData
	prices  map[string]float64
}

type exitPlan struct {
	symbol string
	qty    float64
	reason string
}

// fail records err against the cycle guard and reports whether the rest of
// the cycle must be skipped.
func (l *Loop) fail(run *cycleRun, err error) bool {
	run.guard.Record(err)
	if !run.aborted && run.guard.Exceeded() {
		run.aborted = true
		monitor.CycleAborts.WithLabelValues(l.cfg.AccountID, l.cfg.Exchange).Inc()
		l.log.Warn("too many failures this cycle, aborting remaining work",
			zap.Int("failures", run.guard.Failures()), zap.Error(breaker.ErrCycleAborted))
	}
	return run.aborted
}

func (l *Loop) stopping(ctx context.Context, run *cycleRun) bool {
	return ctx.Err() != nil || run.aborted || l.exec.Guard().Disabled()
}

// Cycle runs one pass: refresh, evaluate, exits, then entries. It reports
// whether the cycle guard aborted the pass.
func (l *Loop) Cycle(ctx context.Context) (aborted bool, err error) {
	start := l.now()
	br := l.exec.Breaker()
	run := &cycleRun{
		guard:  breaker.NewCycleGuard(l.cfg.GlobalFailureThreshold),
		market: make(map[string]strategy.MarketData),
		prices: make(map[string]float64),
	}
	evaluated := false
	defer func() {
		if evaluated {
			// exits and entries changed the positions; the state reported
			// for this cycle must describe what is held now
			ev, verr := l.machine.Evaluate(context.WithoutCancel(ctx), l.store.Positions(), run.prices)
			switch {
			case verr == nil:
				l.setEvaluation(ev)
			case err == nil:
				err = verr
			}
		}
		br.EndCycle(err == nil && !run.aborted && run.guard.Failures() == 0)
		took := l.now().Sub(start)
		monitor.CycleDuration.WithLabelValues(l.cfg.AccountID, l.cfg.Exchange).Observe(took.Seconds())
		monitor.HealthScore.WithLabelValues(l.cfg.AccountID, l.cfg.Exchange).Set(float64(br.HealthScore()))
		l.finishCycle(start, took)
	}()

	if l.exec.Guard().Disabled() {
		return false, retry.ErrAccountDisabled
	}

	if l.needsReconcile || (l.reconciler != nil && l.reconciler.Due()) {
		if err := l.reconcile(ctx); err != nil {
			if errors.Is(err, retry.ErrAccountDisabled) {
				return false, err
			}
			l.log.Warn("reconciliation failed, will retry next cycle", zap.Error(err))
			l.fail(run, err)
		}
	}

	bal, err := retry.Call(ctx, l.exec, "get_balance", l.conn.GetBalance)
	if err != nil {
		if l.exec.Guard().Disabled() {
			return false, retry.ErrAccountDisabled
		}
		l.log.Warn("balance refresh failed", zap.String("error_kind", string(common.KindOf(err))), zap.Error(err))
		l.fail(run, err)
	} else {
		l.balance.Update(bal)
	}

	positions := l.store.Positions()
	for _, sym := range sortedSymbols(positions) {
		if l.stopping(ctx, run) {
			break
		}
		p := positions[sym]
		if err := l.safely(sym, "market", func() error {
			return l.loadMarket(ctx, run, sym, true, p.EntryPrice)
		}); err != nil {
			l.log.Warn("market data unavailable for open position", zap.String("symbol", sym),
				zap.String("error_kind", string(common.KindOf(err))), zap.Error(err))
		}
	}
	if l.exec.Guard().Disabled() {
		return run.aborted, retry.ErrAccountDisabled
	}

	ev, err := l.machine.Evaluate(ctx, positions, run.prices)
	if err != nil {
		return run.aborted, err
	}
	l.setEvaluation(ev)
	evaluated = true

	l.runExits(ctx, run, ev, positions)
	if l.exec.Guard().Disabled() {
		return run.aborted, retry.ErrAccountDisabled
	}
	if ctx.Err() != nil {
		return run.aborted, nil
	}

	if ev.State.EntriesAllowed() && !run.aborted {
		l.runEntries(ctx, run)
	}
	if l.exec.Guard().Disabled() {
		return run.aborted, retry.ErrAccountDisabled
	}
	return run.aborted, nil
}

func (l *Loop) lookback() int {
	n := l.cfg.CandleCount
	if lb, ok := l.strategy.(strategy.Lookbacker); ok && lb.Lookback() > n {
		n = lb.Lookback()
	}
	return n
}

func (l *Loop) fetchCandles(ctx context.Context, symbol, interval string, count int) ([]common.Candle, error) {
	return retry.Call(ctx, l.exec, "get_candles", func(ctx context.Context) ([]common.Candle, error) {
		return l.conn.GetCandles(ctx, symbol, interval, count)
	})
}

// loadMarket fills run with symbol's candles and last price. A stale cached
// series is used but still counts as a failed call.
func (l *Loop) loadMarket(ctx context.Context, run *cycleRun, symbol string, holding bool, entry float64) error {
	var (
		candles []common.Candle
		err     error
	)
	if l.candles != nil {
		candles, err = l.candles.Get(ctx, l.fetchCandles, symbol, l.cfg.CandleInterval, l.lookback())
	} else {
		candles, err = l.fetchCandles(ctx, symbol, l.cfg.CandleInterval, l.lookback())
	}
	if err != nil {
		l.fail(run, err)
		var stale *cache.StaleError
		if !errors.As(err, &stale) || len(candles) == 0 {
			return err
		}
		l.log.Warn("using cached candles", zap.String("symbol", symbol), zap.Duration("age", stale.Age), zap.Error(stale.Err))
	}
	md := strategy.MarketData{Candles: candles, Holding: holding, EntryPrice: entry}
	if n := len(candles); n > 0 {
		md.LastPrice = candles[n-1].Close
		run.prices[symbol] = md.LastPrice
	}
	run.market[symbol] = md
	return nil
}

// planExits lists forced exits first, in the machine's order, then dust and
// signal exits for the remaining positions.
func (l *Loop) planExits(run *cycleRun, ev management.Evaluation, positions map[string]position.Position) []exitPlan {
	plan := make([]exitPlan, 0, len(ev.Exits))
	queued := make(map[string]bool, len(ev.Exits))
	for _, e := range ev.Exits {
		plan = append(plan, exitPlan{symbol: e.Symbol, qty: e.Quantity, reason: string(e.Reason)})
		queued[e.Symbol] = true
	}
	if ev.State == management.StateForcedUnwind {
		return plan
	}

	for _, sym := range sortedSymbols(positions) {
		if queued[sym] {
			continue
		}
		p := positions[sym]
		if l.cfg.DustThresholdUSD > 0 && p.Value(run.prices[sym]) < l.cfg.DustThresholdUSD && l.cfg.DustAction == DustClose {
			plan = append(plan, exitPlan{symbol: sym, qty: p.Quantity, reason: reasonDust})
			continue
		}
		md, ok := run.market[sym]
		if !ok {
			continue
		}
		var intent strategy.Intent
		if err := l.safely(sym, "strategy", func() error {
			intent = l.strategy.Evaluate(sym, md)
			return nil
		}); err != nil {
			continue
		}
		if intent.Action == strategy.ActionExit {
			l.log.Info("exit signal", zap.String("symbol", sym), zap.String("note", intent.Note))
			plan = append(plan, exitPlan{symbol: sym, qty: p.Quantity, reason: reasonSignal})
		}
	}
	return plan
}

func (l *Loop) runExits(ctx context.Context, run *cycleRun, ev management.Evaluation, positions map[string]position.Position) {
	plan := l.planExits(run, ev, positions)
	if len(plan) > 0 {
		l.log.Info("processing exits", zap.String("state", string(ev.State)), zap.Int("exits", len(plan)), zap.Int("excess", ev.Excess()))
	}
	for _, p := range plan {
		if l.stopping(ctx, run) {
			return
		}
		err := l.safely(p.symbol, "exit", func() error { return l.exit(ctx, p) })
		if err != nil {
			l.log.Warn("exit failed", zap.String("symbol", p.symbol), zap.String("reason", p.reason),
				zap.String("error_kind", string(common.KindOf(err))), zap.Error(err))
			if l.fail(run, err) {
				return
			}
		}
	}
}

// exit closes qty of a position: a sell for a long, a buy for a short. A
// partial fill is resubmitted once for the remainder unless shutdown was
// requested.
func (l *Loop) exit(ctx context.Context, p exitPlan) error {
	octx, cancel := l.orderContext(ctx)
	defer cancel()

	side, qty := common.SideSell, p.qty
	if qty < 0 {
		side, qty = common.SideBuy, -qty
	}
	req := common.OrderRequest{Symbol: p.symbol, Side: side, Quantity: qty, SizeType: common.SizeBase, ReduceOnly: true}
	res, err := l.exec.SubmitOrder(octx, l.conn, req)
	l.recordOrder(octx, req, res, err, p.reason)
	if err != nil {
		return err
	}
	if err := l.applyClose(p, side, res); err != nil {
		return err
	}
	if !res.Partial {
		return nil
	}
	if ctx.Err() != nil {
		l.log.Info("shutdown requested, leaving exit remainder open", zap.String("symbol", p.symbol),
			zap.Float64("filled", res.FilledQuantity))
		return nil
	}

	pos, ok := l.store.Get(p.symbol)
	remaining := math.Min(qty-res.FilledQuantity, math.Abs(pos.Quantity))
	if !ok || remaining <= 0 {
		return nil
	}
	l.log.Info("resubmitting exit remainder", zap.String("symbol", p.symbol), zap.Float64("remaining", remaining))
	req.ClientOrderID = ""
	req.Quantity = remaining
	res, err = l.exec.SubmitOrder(octx, l.conn, req)
	l.recordOrder(octx, req, res, err, p.reason)
	if err != nil {
		return err
	}
	return l.applyClose(p, side, res)
}

// applyClose records a closing fill. Sell proceeds are credited at once; the
// cost of buying back a short shows up with the next balance refresh.
func (l *Loop) applyClose(p exitPlan, side common.Side, res common.OrderResult) error {
	if res.FilledQuantity <= 0 {
		return fmt.Errorf("exit %s not filled: status %s", p.symbol, res.Status)
	}
	left, closed, err := l.store.ApplySell(p.symbol, res.FilledQuantity)
	if err != nil {
		l.needsReconcile = true
		return fmt.Errorf("record exit %s: %w", p.symbol, err)
	}
	if side == common.SideSell {
		proceeds := res.FilledQuote
		if proceeds == 0 {
			proceeds = res.FilledQuantity * res.AvgFillPrice
		}
		l.balance.Credit(proceeds)
	}
	if closed {
		l.log.Info("position closed", zap.String("symbol", p.symbol), zap.String("reason", p.reason),
			zap.Float64("filled", res.FilledQuantity), zap.Float64("avg_price", res.AvgFillPrice))
	} else {
		l.log.Info("position reduced", zap.String("symbol", p.symbol), zap.String("reason", p.reason),
			zap.Float64("filled", res.FilledQuantity), zap.Float64("remaining", left.Quantity))
	}
	return nil
}

func (l *Loop) runEntries(ctx context.Context, run *cycleRun) {
	free := l.machine.Cap() - l.store.Len()
	if free <= 0 {
		return
	}
	batch := l.exec.Breaker().BatchSize(l.cfg.BatchSize)
	for _, sym := range l.nextCandidates(batch) {
		if free <= 0 || l.stopping(ctx, run) {
			return
		}
		var opened bool
		err := l.safely(sym, "entry", func() error {
			var err error
			opened, err = l.enter(ctx, run, sym)
			return err
		})
		if opened {
			free--
		}
		if err != nil {
			l.log.Warn("entry failed", zap.String("symbol", sym),
				zap.String("error_kind", string(common.KindOf(err))), zap.Error(err))
			if l.fail(run, err) {
				return
			}
		}
	}
}

// nextCandidates returns up to n symbols not currently held, continuing
// from where the previous cycle stopped.
func (l *Loop) nextCandidates(n int) []string {
	total := len(l.cfg.Symbols)
	if n <= 0 || total == 0 {
		return nil
	}
	out := make([]string, 0, n)
	visited := 0
	for visited < total && len(out) < n {
		sym := l.cfg.Symbols[(l.cursor+visited)%total]
		visited++
		if _, held := l.store.Get(sym); held {
			continue
		}
		out = append(out, sym)
	}
	l.cursor = (l.cursor + visited) % total
	return out
}

// enter consults the strategy for symbol and buys on ENTER. opened reports
// whether a position was recorded.
func (l *Loop) enter(ctx context.Context, run *cycleRun, symbol string) (opened bool, err error) {
	if err := l.loadMarket(ctx, run, symbol, false, 0); err != nil {
		return false, err
	}
	md := run.market[symbol]
	intent := l.strategy.Evaluate(symbol, md)
	if intent.Action != strategy.ActionEnter {
		return false, nil
	}
	size := intent.SizeHint
	if size <= 0 {
		size = l.cfg.EntrySizeUSD
	}
	if err := l.balance.Reserve(size); err != nil {
		l.log.Info("skipping entry", zap.String("symbol", symbol), zap.Error(err))
		return false, nil
	}
	l.log.Info("entry signal", zap.String("symbol", symbol), zap.Float64("size_usd", size), zap.String("note", intent.Note))

	octx, cancel := l.orderContext(ctx)
	defer cancel()
	req := common.OrderRequest{Symbol: symbol, Side: common.SideBuy, Quantity: size, SizeType: common.SizeQuote}
	res, err := l.exec.SubmitOrder(octx, l.conn, req)
	l.recordOrder(octx, req, res, err, reasonEntry)
	if err != nil {
		l.balance.Settle(size, 0)
		return false, err
	}

	spent := res.FilledQuote
	if spent == 0 {
		spent = res.FilledQuantity * res.AvgFillPrice
	}
	l.balance.Settle(size, spent)
	if res.FilledQuantity <= 0 {
		return false, fmt.Errorf("entry %s not filled: status %s", symbol, res.Status)
	}

	price := res.AvgFillPrice
	if price <= 0 && spent > 0 {
		price = spent / res.FilledQuantity
	}
	if price <= 0 {
		price = md.LastPrice
	}
	if price <= 0 {
		l.needsReconcile = true
		return true, fmt.Errorf("entry %s filled without a price, reconciling next cycle", symbol)
	}
	pos, err := l.store.ApplyBuy(symbol, res.FilledQuantity, price, l.strategy.Name(), l.now())
	if err != nil {
		l.needsReconcile = true
		return true, fmt.Errorf("record entry %s: %w", symbol, err)
	}
	if res.Partial {
		l.log.Info("entry partially filled, keeping the partial position", zap.String("symbol", symbol),
			zap.Float64("filled", res.FilledQuantity))
	}
	l.log.Info("position opened", zap.String("symbol", symbol), zap.Float64("quantity", pos.Quantity),
		zap.Float64("entry_price", pos.EntryPrice))
	return true, nil
}

func (l *Loop) recordOrder(ctx context.Context, req common.OrderRequest, res common.OrderResult, err error, reason string) {
	if l.audit == nil {
		return
	}
	row := db.OrderAudit{
		AccountID:     l.cfg.AccountID,
		Exchange:      l.cfg.Exchange,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		ClientOrderID: res.ClientOrderID,
		OrderID:       res.OrderID,
		RequestedQty:  req.Quantity,
		FilledQty:     res.FilledQuantity,
		AvgPrice:      res.AvgFillPrice,
		Status:        string(res.Status),
		Partial:       res.Partial,
		Reason:        reason,
		CreatedAt:     l.now(),
	}
	if err != nil {
		row.Status = "ERROR"
		row.ErrorKind = string(common.KindOf(err))
	}
	if _, aerr := l.audit.InsertOrderAudit(ctx, row); aerr != nil {
		l.log.Warn("record order audit", zap.String("symbol", req.Symbol), zap.Error(aerr))
	}
}

func sortedSymbols(positions map[string]position.Position) []string {
	out := make([]string, 0, len(positions))
	for s := range positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
