// Package coordinator runs one trading loop per (account, exchange) and
// exposes their status to the control surface.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/trading"
)

var ErrUnknownAccount = errors.New("unknown account")

type Config struct {
	// RestartDelay is the pause before a panicked loop is started again.
	RestartDelay time.Duration
	// MaxRestarts caps panic restarts per loop; 0 disables them.
	MaxRestarts int
}

// AccountStatus is a loop status plus supervision details.
type AccountStatus struct {
	trading.Status
	Restarts   int    `json:"restarts"`
	Stopped    bool   `json:"stopped"`
	ExitReason string `json:"exit_reason,omitempty"`
}

type supervised struct {
	loop     *trading.Loop
	restarts int
	stopped  bool
	reason   string
}

// Coordinator supervises loops. Loops share nothing but the event bus and
// the process; one failing account never stops another.
type Coordinator struct {
	cfg   Config
	log   *zap.Logger
	bus   *events.Bus
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	loops   []*supervised
	byKey   map[string]*supervised
	started bool
	wg      sync.WaitGroup
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.log = l } }
func WithBus(b *events.Bus) Option { return func(c *Coordinator) { c.bus = b } }

// WithSleeper replaces the restart delay timer (tests).
func WithSleeper(s func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = s }
}

func New(cfg Config, opts ...Option) *Coordinator {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 10 * time.Second
	}
	c := &Coordinator{
		cfg:   cfg,
		log:   zap.NewNop(),
		sleep: sleep,
		byKey: make(map[string]*supervised),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Add registers a loop. Loops must be added before Start.
func (c *Coordinator) Add(l *trading.Loop) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("coordinator already started")
	}
	if _, dup := c.byKey[l.Key()]; dup {
		return fmt.Errorf("duplicate loop %s", l.Key())
	}
	s := &supervised{loop: l}
	c.loops = append(c.loops, s)
	c.byKey[l.Key()] = s
	return nil
}

// Start launches every loop on its own goroutine and returns immediately.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.started = true
	loops := append([]*supervised(nil), c.loops...)
	c.mu.Unlock()

	c.log.Info("starting trading loops", zap.Int("loops", len(loops)))
	for _, s := range loops {
		c.wg.Add(1)
		go c.supervise(ctx, s)
	}
}

// Wait blocks until every loop has returned.
func (c *Coordinator) Wait() { c.wg.Wait() }

func (c *Coordinator) supervise(ctx context.Context, s *supervised) {
	defer c.wg.Done()
	key := s.loop.Key()
	log := c.log.With(zap.String("loop", key))

	for {
		panicked, err := run(ctx, s.loop, log)
		if !panicked {
			c.stop(s, err)
			return
		}
		if ctx.Err() != nil {
			c.stop(s, ctx.Err())
			return
		}
		st := s.loop.Status()
		if st.Disabled || st.Halted {
			c.stop(s, err)
			return
		}

		c.mu.Lock()
		exhausted := s.restarts >= c.cfg.MaxRestarts
		if !exhausted {
			s.restarts++
		}
		restarts := s.restarts
		c.mu.Unlock()
		if exhausted {
			log.Error("loop exceeded restart limit, leaving it stopped", zap.Int("restarts", restarts), zap.Error(err))
			c.bus.Emit(events.EventAccountAlert, st.AccountID, st.Exchange, "loop stopped after repeated panics: "+err.Error())
			c.stop(s, err)
			return
		}
		log.Warn("restarting loop", zap.Int("restart", restarts), zap.Duration("delay", c.cfg.RestartDelay), zap.Error(err))
		if err := c.sleep(ctx, c.cfg.RestartDelay); err != nil {
			c.stop(s, err)
			return
		}
	}
}

func run(ctx context.Context, l *trading.Loop, log *zap.Logger) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("loop panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
			panicked = true
		}
	}()
	return false, l.Run(ctx)
}

func (c *Coordinator) stop(s *supervised, err error) {
	c.mu.Lock()
	s.stopped = true
	if err != nil && !errors.Is(err, context.Canceled) {
		s.reason = err.Error()
	}
	c.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("loop stopped", zap.String("loop", s.loop.Key()), zap.Error(err))
	}
}

func (c *Coordinator) statusLocked(s *supervised) AccountStatus {
	return AccountStatus{Status: s.loop.Status(), Restarts: s.restarts, Stopped: s.stopped, ExitReason: s.reason}
}

// GetAllAccountsStatus returns a copy of every loop's status keyed by
// "<account>@<exchange>".
func (c *Coordinator) GetAllAccountsStatus() map[string]AccountStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]AccountStatus, len(c.loops))
	for _, s := range c.loops {
		out[s.loop.Key()] = c.statusLocked(s)
	}
	return out
}

// AccountStatus looks a loop up by its key, or by account id when that
// account trades on a single exchange.
func (c *Coordinator) AccountStatus(id string) (AccountStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.byKey[id]; ok {
		return c.statusLocked(s), nil
	}
	matches := c.matchLocked(id)
	switch len(matches) {
	case 0:
		return AccountStatus{}, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	case 1:
		return c.statusLocked(matches[0]), nil
	}
	keys := make([]string, 0, len(matches))
	for _, s := range matches {
		keys = append(keys, s.loop.Key())
	}
	sort.Strings(keys)
	return AccountStatus{}, fmt.Errorf("account %s trades on several exchanges, use one of %v", id, keys)
}

// SetForcedUnwind toggles forced unwind on every loop of an account, or on
// one loop when id is a loop key. It takes effect on the next cycle.
func (c *Coordinator) SetForcedUnwind(id string, on bool) error {
	c.mu.RLock()
	targets := c.matchLocked(id)
	if s, ok := c.byKey[id]; ok {
		targets = []*supervised{s}
	}
	c.mu.RUnlock()
	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	for _, s := range targets {
		s.loop.Machine().SetForcedUnwind(on)
	}
	c.log.Warn("forced unwind changed", zap.String("account", id), zap.Bool("on", on), zap.Int("loops", len(targets)))
	return nil
}

func (c *Coordinator) matchLocked(accountID string) []*supervised {
	var out []*supervised
	for _, s := range c.loops {
		if s.loop.Status().AccountID == accountID {
			out = append(out, s)
		}
	}
	return out
}
