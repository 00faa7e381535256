// Package breaker throttles and circuit-breaks outbound exchange calls. All
// state is scoped to one (account, exchange) Key; nothing is shared across
// keys.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"execution-core/pkg/exchanges/common"
)

// ErrCircuitOpen is returned by Allow while a key is paused.
var ErrCircuitOpen = errors.New("circuit open")

// Key identifies one account on one exchange.
type Key struct {
	Account  string
	Exchange string
}

func (k Key) String() string { return k.Account + "@" + k.Exchange }

type Config struct {
	RequestsPerMinute int
	MaxJitter         time.Duration
	// Threshold consecutive transient failures trip the breaker.
	Threshold   int
	Cooldown    time.Duration
	MaxCooldown time.Duration
	// ResetAfter consecutive successes clear the trip history.
	ResetAfter   int
	WarmupCycles int
	// HealthAlpha is the EWMA weight of the newest call outcome.
	HealthAlpha float64
}

func (c Config) withDefaults() Config {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 600
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	}
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = 10 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 10
	}
	if c.WarmupCycles < 0 {
		c.WarmupCycles = 0
	}
	if c.HealthAlpha <= 0 || c.HealthAlpha > 1 {
		c.HealthAlpha = 0.2
	}
	return c
}

// CircuitState is a point-in-time copy of a breaker.
type CircuitState struct {
	ConsecutiveErrors     int       `json:"consecutive_errors"`
	TotalErrorsThisWindow int       `json:"total_errors_this_window"`
	PausedUntil           time.Time `json:"paused_until"`
	HealthScore           int       `json:"health_score"`
	Trips                 int       `json:"trips"`
	WarmupCyclesLeft      int       `json:"warmup_cycles_left"`
}

// Breaker combines the call-rate limiter, the local circuit breaker and the
// health score for one Key.
type Breaker struct {
	key     Key
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time

	mu            sync.Mutex
	rng           *rand.Rand
	consecutive   int
	windowErrors  int
	pausedUntil   time.Time
	trips         int
	consecutiveOK int
	errRate       float64
	warmupLeft    int
}

func New(key Key, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	interval := time.Minute / time.Duration(cfg.RequestsPerMinute)
	return &Breaker{
		key:     key,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *Breaker) Key() Key { return b.key }

// Wait blocks for the next call slot plus a random jitter in [0, MaxJitter).
func (b *Breaker) Wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if b.cfg.MaxJitter <= 0 {
		return nil
	}
	b.mu.Lock()
	jitter := time.Duration(b.rng.Int63n(int64(b.cfg.MaxJitter)))
	b.mu.Unlock()
	t := time.NewTimer(jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Allow returns ErrCircuitOpen while the key is paused.
func (b *Breaker) Allow() error {
	if d := b.PausedFor(); d > 0 {
		return fmt.Errorf("%w for %s (%s remaining)", ErrCircuitOpen, b.key, d.Round(time.Millisecond))
	}
	return nil
}

// PausedFor returns the remaining cooldown, zero when calls are allowed.
func (b *Breaker) PausedFor() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.pausedUntil.Sub(b.now())
	if d < 0 {
		return 0
	}
	return d
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.consecutiveOK++
	b.observe(0)
	if b.consecutiveOK >= b.cfg.ResetAfter {
		b.trips = 0
	}
}

// RecordFailure counts a failed call. Only transient kinds move the breaker;
// business errors leave it untouched. It reports the cooldown when this
// failure tripped the breaker.
func (b *Breaker) RecordFailure(kind common.ErrorKind) (tripped bool, cooldown time.Duration) {
	if !kind.Transient() {
		return false, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveOK = 0
	b.consecutive++
	b.windowErrors++
	b.observe(1)
	if b.consecutive < b.cfg.Threshold {
		return false, 0
	}
	b.trips++
	b.consecutive = 0
	cooldown = b.cooldownFor(b.trips)
	b.pausedUntil = b.now().Add(cooldown)
	// calls resume after the cooldown as after a reconnect; cycles that
	// still fail do not count down the warmup
	b.warmupLeft = b.cfg.WarmupCycles
	return true, cooldown
}

func (b *Breaker) cooldownFor(trips int) time.Duration {
	mult := math.Pow(2, float64(trips-1))
	d := time.Duration(float64(b.cfg.Cooldown) * mult)
	if d > b.cfg.MaxCooldown || d <= 0 {
		return b.cfg.MaxCooldown
	}
	return d
}

func (b *Breaker) observe(outcome float64) {
	b.errRate = (1-b.cfg.HealthAlpha)*b.errRate + b.cfg.HealthAlpha*outcome
}

// HealthScore is 100 minus the decayed error rate in percent.
func (b *Breaker) HealthScore() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health()
}

func (b *Breaker) health() int {
	h := int(math.Round(100 * (1 - b.errRate)))
	return max(0, min(100, h))
}

// BeginWarmup is called when a loop (re)connects. A trip re-enters warmup
// on its own.
func (b *Breaker) BeginWarmup() {
	b.mu.Lock()
	b.warmupLeft = b.cfg.WarmupCycles
	b.mu.Unlock()
}

// EndCycle closes the per-cycle error window. Clean cycles count down the
// warmup; a dirty one does not.
func (b *Breaker) EndCycle(clean bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if clean && b.warmupLeft > 0 {
		b.warmupLeft--
	}
	b.windowErrors = 0
}

// BatchSize scales the normal number of symbols scanned per cycle. During
// warmup it is a third of normal regardless of health.
func (b *Breaker) BatchSize(normal int) int {
	if normal <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.warmupLeft > 0 {
		return max(1, normal/3)
	}
	switch h := b.health(); {
	case h >= 80:
		return normal
	case h >= 50:
		return max(1, normal/2)
	default:
		return max(1, normal/4)
	}
}

func (b *Breaker) Snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitState{
		ConsecutiveErrors:     b.consecutive,
		TotalErrorsThisWindow: b.windowErrors,
		PausedUntil:           b.pausedUntil,
		HealthScore:           b.health(),
		Trips:                 b.trips,
		WarmupCyclesLeft:      b.warmupLeft,
	}
}
