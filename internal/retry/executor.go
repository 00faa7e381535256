// Package retry wraps connector calls with bounded retries, breaker checks,
// account disablement on auth failures and order fill verification.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"execution-core/internal/breaker"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/pkg/exchanges/common"
)

var (
	ErrAccountDisabled  = errors.New("account disabled")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

type Config struct {
	// MaxRetries is the maximum number of attempts per call.
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
	// PartialFillTolerance is the relative shortfall accepted as a full fill.
	PartialFillTolerance float64
	VerifyAttempts       int
	VerifyInterval       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.PartialFillTolerance <= 0 {
		c.PartialFillTolerance = 0.01
	}
	if c.VerifyAttempts < 0 {
		c.VerifyAttempts = 0
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = time.Second
	}
	return c
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Executor runs calls for one (account, exchange) pair.
type Executor struct {
	br    *breaker.Breaker
	guard *AccountGuard
	cfg   Config
	log   *zap.Logger
	bus   *events.Bus
	sleep Sleeper
	newID func() string
}

type Option func(*Executor)

func WithSleeper(s Sleeper) Option { return func(e *Executor) { e.sleep = s } }
func WithBus(b *events.Bus) Option { return func(e *Executor) { e.bus = b } }
func WithIDFunc(f func() string) Option { return func(e *Executor) { e.newID = f } }
func WithLogger(l *zap.Logger) Option { return func(e *Executor) { e.log = l } }

func NewExecutor(br *breaker.Breaker, guard *AccountGuard, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		br:    br,
		guard: guard,
		cfg:   cfg.withDefaults(),
		log:   zap.NewNop(),
		sleep: sleepCtx,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	k := br.Key()
	e.log = e.log.With(zap.String("account", k.Account), zap.String("exchange", k.Exchange))
	return e
}

func (e *Executor) Guard() *AccountGuard { return e.guard }

func (e *Executor) Breaker() *breaker.Breaker { return e.br }

// Sleep pauses using the executor's sleeper.
func (e *Executor) Sleep(ctx context.Context, d time.Duration) error { return e.sleep(ctx, d) }

func (e *Executor) backoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.3
	bo.MaxInterval = e.cfg.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Call runs fn with at most MaxRetries attempts. Each attempt waits out an
// open breaker, takes a rate limiter slot and runs under CallTimeout.
// Non-retryable errors return immediately; auth and permission errors also
// disable the account so later calls never reach the network.
func Call[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if e.guard.Disabled() {
		return zero, fmt.Errorf("%s: %w: %s", op, ErrAccountDisabled, e.guard.Reason())
	}
	key := e.br.Key()
	bo := e.backoff()

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if wait := e.br.PausedFor(); wait > 0 {
			e.log.Info("circuit open, waiting", zap.String("op", op), zap.Duration("cooldown", wait))
			if err := e.sleep(ctx, wait); err != nil {
				return zero, err
			}
		}
		if err := e.br.Wait(ctx); err != nil {
			return zero, err
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		v, err := fn(callCtx)
		cancel()
		if err == nil {
			e.br.RecordSuccess()
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		kind := common.KindOf(err)
		if !kind.Retryable() {
			if kind.DisablesAccount() {
				e.disable(op, err)
			}
			return zero, err
		}

		lastErr = err
		if tripped, cooldown := e.br.RecordFailure(kind); tripped {
			monitor.BreakerTrips.WithLabelValues(key.Account, key.Exchange).Inc()
			e.log.Warn("circuit breaker tripped",
				zap.String("op", op), zap.String("error_kind", string(kind)), zap.Duration("cooldown", cooldown))
			e.bus.Emit(events.EventBreakerTripped, key.Account, key.Exchange, cooldown.String())
		}
		if attempt == e.cfg.MaxRetries {
			break
		}
		delay := bo.NextBackOff()
		monitor.CallRetries.WithLabelValues(key.Account, key.Exchange, op).Inc()
		e.log.Warn("retrying call",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("delay", delay),
			zap.String("error_kind", string(kind)), zap.Error(err))
		if err := e.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%s after %d attempts: %w: %w", op, e.cfg.MaxRetries, ErrRetriesExhausted, lastErr)
}

func (e *Executor) disable(op string, err error) {
	reason := fmt.Sprintf("%s failed with %s: %v", op, common.KindOf(err), err)
	if !e.guard.Disable(reason) {
		return
	}
	key := e.br.Key()
	monitor.AccountDisabled.WithLabelValues(key.Account, key.Exchange).Set(1)
	e.log.Error("account disabled for the rest of this run; verify the API key, its trading permissions and IP allow-list, then restart",
		zap.String("op", op), zap.String("error_kind", string(common.KindOf(err))), zap.Error(err))
	e.bus.Emit(events.EventAccountDisabled, key.Account, key.Exchange, reason)
}
