// Package trading runs the per-(account, exchange) trading cycle: exits
// first, then entries while the account is below its position cap.
package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/balance"
	"execution-core/internal/breaker"
	"execution-core/internal/events"
	"execution-core/internal/management"
	"execution-core/internal/position"
	"execution-core/internal/reconciliation"
	"execution-core/internal/retry"
	"execution-core/internal/strategy"
	"execution-core/pkg/cache"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// DustAction decides what happens to positions worth less than the dust
// threshold. They always count toward the cap.
type DustAction string

const (
	DustIgnore DustAction = "ignore"
	DustClose  DustAction = "close"
)

type LoopConfig struct {
	AccountID    string
	Role         string
	Exchange     string
	Symbols      []string
	BatchSize    int
	EntrySizeUSD float64

	CandleInterval string
	CandleCount    int

	CycleInterval          time.Duration
	GlobalFailureThreshold int
	GlobalCooldown         time.Duration
	// OrderGrace bounds how long an order already in flight may run after
	// shutdown was requested, so its fill is recorded.
	OrderGrace time.Duration

	DustThresholdUSD float64
	DustAction       DustAction
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = len(c.Symbols)
	}
	if c.CandleInterval == "" {
		c.CandleInterval = "1h"
	}
	if c.CandleCount <= 0 {
		c.CandleCount = 100
	}
	if c.CycleInterval <= 0 {
		c.CycleInterval = time.Minute
	}
	if c.GlobalFailureThreshold <= 0 {
		c.GlobalFailureThreshold = 5
	}
	if c.GlobalCooldown < c.CycleInterval {
		c.GlobalCooldown = 5 * c.CycleInterval
	}
	if c.OrderGrace <= 0 {
		c.OrderGrace = time.Minute
	}
	if c.DustAction == "" {
		c.DustAction = DustIgnore
	}
	return c
}

// OrderRecorder persists order outcomes for audit.
type OrderRecorder interface {
	InsertOrderAudit(ctx context.Context, o db.OrderAudit) (int64, error)
}

// Loop trades one account on one exchange. It is the only writer of its
// position store.
type Loop struct {
	cfg      LoopConfig
	conn     common.Connector
	exec     *retry.Executor
	store    *position.Store
	machine  *management.Machine
	strategy strategy.Strategy

	log        *zap.Logger
	bus        *events.Bus
	candles    *cache.CandleCache
	balance    *balance.Tracker
	reconciler *reconciliation.Service
	audit      OrderRecorder
	now        func() time.Time

	cursor         int
	needsReconcile bool

	mu     sync.RWMutex
	status Status
}

type Option func(*Loop)

func WithLogger(l *zap.Logger) Option { return func(lp *Loop) { lp.log = l } }
func WithBus(b *events.Bus) Option { return func(lp *Loop) { lp.bus = b } }
func WithCandleCache(c *cache.CandleCache) Option { return func(lp *Loop) { lp.candles = c } }
func WithBalance(t *balance.Tracker) Option { return func(lp *Loop) { lp.balance = t } }
func WithReconciler(r *reconciliation.Service) Option { return func(lp *Loop) { lp.reconciler = r } }
func WithOrderRecorder(r OrderRecorder) Option { return func(lp *Loop) { lp.audit = r } }
func WithClock(now func() time.Time) Option { return func(lp *Loop) { lp.now = now } }

func NewLoop(cfg LoopConfig, conn common.Connector, exec *retry.Executor, store *position.Store,
	machine *management.Machine, strat strategy.Strategy, opts ...Option) *Loop {
	l := &Loop{
		cfg:      cfg.withDefaults(),
		conn:     conn,
		exec:     exec,
		store:    store,
		machine:  machine,
		strategy: strat,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.balance == nil {
		l.balance = balance.NewTracker(nil)
	}
	l.log = l.log.With(zap.String("account", cfg.AccountID), zap.String("exchange", cfg.Exchange))
	l.status = Status{
		AccountID: cfg.AccountID,
		Role:      cfg.Role,
		Exchange:  cfg.Exchange,
		State:     management.StateNormal,
	}
	return l
}

// Key identifies the loop, "<account>@<exchange>".
func (l *Loop) Key() string { return breaker.Key{Account: l.cfg.AccountID, Exchange: l.cfg.Exchange}.String() }

func (l *Loop) Machine() *management.Machine { return l.machine }

// Run reconciles, then cycles until ctx is cancelled (returning nil), the
// account is disabled or the state machine reports an invariant violation.
func (l *Loop) Run(ctx context.Context) error {
	l.setRunning(true)
	defer l.setRunning(false)

	l.log.Info("trading loop starting",
		zap.Int("symbols", len(l.cfg.Symbols)), zap.Int("cap", l.machine.Cap()), zap.String("strategy", l.strategy.Name()))
	if err := l.reconcile(ctx); err != nil {
		if stop := l.fatal(err); stop != nil {
			return stop
		}
	}
	l.exec.Breaker().BeginWarmup()

	for {
		if ctx.Err() != nil {
			l.log.Info("trading loop stopped")
			return nil
		}
		aborted, err := l.Cycle(ctx)
		if stop := l.fatal(err); stop != nil {
			return stop
		}
		wait := l.cfg.CycleInterval
		if aborted {
			wait = l.cfg.GlobalCooldown
			l.log.Warn("cycle aborted, cooling down", zap.Duration("cooldown", wait))
		}
		if err := l.exec.Sleep(ctx, wait); err != nil {
			l.log.Info("trading loop stopped")
			return nil
		}
	}
}

// fatal returns err when it must end the loop.
func (l *Loop) fatal(err error) error {
	if err == nil {
		return nil
	}
	var iv *management.InvariantViolation
	switch {
	case errors.Is(err, retry.ErrAccountDisabled):
		l.log.Error("account disabled, loop exiting", zap.String("reason", l.exec.Guard().Reason()))
		l.setHalted(err)
		return err
	case errors.As(err, &iv):
		l.setHalted(err)
		return err
	case errors.Is(err, context.Canceled):
		return nil
	}
	l.log.Warn("cycle error", zap.String("error_kind", string(common.KindOf(err))), zap.Error(err))
	l.setLastError(err)
	return nil
}

func (l *Loop) reconcile(ctx context.Context) error {
	if l.reconciler == nil {
		return nil
	}
	if _, err := l.reconciler.Reconcile(ctx); err != nil {
		l.needsReconcile = true
		if l.exec.Guard().Disabled() {
			return fmt.Errorf("reconcile: %w", retry.ErrAccountDisabled)
		}
		return fmt.Errorf("reconcile: %w", err)
	}
	l.needsReconcile = false
	return nil
}

// orderContext lets an order that has started finish after ctx is
// cancelled, bounded by OrderGrace.
func (l *Loop) orderContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.cfg.OrderGrace)
}

// safely runs one symbol's work, converting a panic into an error.
func (l *Loop) safely(symbol, stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("symbol handler panicked", zap.String("symbol", symbol), zap.String("stage", stage), zap.Any("panic", r))
			err = fmt.Errorf("%s %s: panic: %v", stage, symbol, r)
		}
	}()
	return fn()
}
