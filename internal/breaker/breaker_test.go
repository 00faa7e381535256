package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/exchanges/common"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(Key{Account: "acct", Exchange: "paper"}, cfg)
	b.now = clock.Now
	return b, clock
}

func TestTripsAfterConsecutiveTransientFailures(t *testing.T) {
	b, clock := newTestBreaker(Config{Threshold: 3, Cooldown: 10 * time.Second, MaxCooldown: time.Minute})

	for i := 0; i < 2; i++ {
		tripped, _ := b.RecordFailure(common.KindNetwork)
		assert.False(t, tripped)
	}
	require.NoError(t, b.Allow())

	tripped, cooldown := b.RecordFailure(common.KindRateLimit)
	assert.True(t, tripped)
	assert.Equal(t, 10*time.Second, cooldown)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(10 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestCooldownGrowsExponentiallyAndCaps(t *testing.T) {
	b, clock := newTestBreaker(Config{Threshold: 1, Cooldown: 10 * time.Second, MaxCooldown: 35 * time.Second})

	var got []time.Duration
	for i := 0; i < 4; i++ {
		_, d := b.RecordFailure(common.KindNetwork)
		got = append(got, d)
		clock.Advance(d)
	}
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 35 * time.Second, 35 * time.Second}, got)
	assert.Equal(t, 4, b.Snapshot().Trips)
}

func TestBusinessErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 1})
	for _, k := range []common.ErrorKind{common.KindInsufficientFunds, common.KindInvalidSymbol, common.KindAuth} {
		tripped, _ := b.RecordFailure(k)
		assert.False(t, tripped)
	}
	assert.NoError(t, b.Allow())
	assert.Equal(t, 100, b.HealthScore())
}

func TestSuccessResetsConsecutiveAndTrips(t *testing.T) {
	b, clock := newTestBreaker(Config{Threshold: 2, ResetAfter: 3, Cooldown: time.Second, MaxCooldown: time.Minute})
	b.RecordFailure(common.KindNetwork)
	b.RecordFailure(common.KindNetwork)
	require.Equal(t, 1, b.Snapshot().Trips)
	clock.Advance(time.Second)

	b.RecordFailure(common.KindNetwork)
	b.RecordSuccess()
	assert.Zero(t, b.Snapshot().ConsecutiveErrors)

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Zero(t, b.Snapshot().Trips)
}

func TestHealthDecaysAndRecovers(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 100, HealthAlpha: 0.5})
	b.RecordFailure(common.KindNetwork)
	assert.Equal(t, 50, b.HealthScore())
	b.RecordFailure(common.KindNetwork)
	assert.Equal(t, 25, b.HealthScore())
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Greater(t, b.HealthScore(), 90)
}

func TestBatchSizeWarmupAndHealth(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 100, WarmupCycles: 2, HealthAlpha: 0.5})
	b.BeginWarmup()
	assert.Equal(t, 3, b.BatchSize(9))

	b.EndCycle(false)
	assert.Equal(t, 3, b.BatchSize(9), "dirty cycle does not count toward warmup")
	b.EndCycle(true)
	b.EndCycle(true)
	assert.Equal(t, 9, b.BatchSize(9))

	b.RecordFailure(common.KindNetwork) // health 50
	assert.Equal(t, 4, b.BatchSize(9))
	b.RecordFailure(common.KindNetwork) // health 25
	assert.Equal(t, 2, b.BatchSize(9))
	assert.Equal(t, 1, b.BatchSize(2))
	assert.Zero(t, b.BatchSize(0))
}

func TestTripReentersWarmup(t *testing.T) {
	b, clock := newTestBreaker(Config{Threshold: 1, Cooldown: time.Second, MaxCooldown: time.Minute, WarmupCycles: 2})
	b.BeginWarmup()
	b.EndCycle(true)
	b.EndCycle(true)
	require.Equal(t, 9, b.BatchSize(9))

	tripped, _ := b.RecordFailure(common.KindRateLimit)
	require.True(t, tripped)
	assert.Equal(t, 2, b.Snapshot().WarmupCyclesLeft)
	b.EndCycle(false)
	clock.Advance(time.Second)
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, 3, b.BatchSize(9))
	b.EndCycle(true)
	b.EndCycle(true)
	assert.Zero(t, b.Snapshot().WarmupCyclesLeft)
}

func TestEndCycleClearsWindow(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 100})
	b.RecordFailure(common.KindNetwork)
	b.RecordFailure(common.KindRateLimit)
	assert.Equal(t, 2, b.Snapshot().TotalErrorsThisWindow)
	b.EndCycle(false)
	assert.Zero(t, b.Snapshot().TotalErrorsThisWindow)
}

func TestWaitHonoursContext(t *testing.T) {
	b := New(Key{Account: "a", Exchange: "x"}, Config{RequestsPerMinute: 1, MaxJitter: 300 * time.Millisecond})
	require.NoError(t, b.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Wait(ctx))
}

func TestRegistryScopesPerKey(t *testing.T) {
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute, MaxCooldown: time.Hour})
	a := r.Get(Key{"acct-a", "binance_spot"}, 0)
	b := r.Get(Key{"acct-b", "binance_spot"}, 0)
	require.NotSame(t, a, b)
	assert.Same(t, a, r.Get(Key{"acct-a", "binance_spot"}, 120))

	a.RecordFailure(common.KindNetwork)
	assert.ErrorIs(t, a.Allow(), ErrCircuitOpen)
	assert.NoError(t, b.Allow())

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, 1, snap[Key{"acct-a", "binance_spot"}].Trips)
}

func TestCycleGuard(t *testing.T) {
	g := NewCycleGuard(2)
	g.Record(nil)
	g.Record(common.NewError(common.KindInsufficientFunds, "x", "op", 0, ""))
	assert.Zero(t, g.Failures())

	g.Record(common.NewError(common.KindNetwork, "x", "op", 0, ""))
	g.Record(fmt.Errorf("wrapped: %w", ErrCircuitOpen))
	assert.False(t, g.Exceeded())
	g.Record(context.DeadlineExceeded)
	assert.True(t, g.Exceeded())
	assert.Equal(t, 3, g.Failures())
	assert.False(t, errors.Is(ErrCycleAborted, ErrCircuitOpen))
}
