package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/breaker"
	"execution-core/internal/events"
	"execution-core/internal/management"
	"execution-core/internal/position"
	"execution-core/internal/retry"
	"execution-core/internal/strategy"
	"execution-core/internal/trading"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

type enterAll struct{}

func (enterAll) Name() string { return "enter_all" }
func (enterAll) Evaluate(string, strategy.MarketData) strategy.Intent {
	return strategy.Intent{Action: strategy.ActionEnter}
}

// flaky panics on the first n balance reads, then fails auth when authErr
// is set.
type flaky struct {
	*paper.Exchange
	panics  atomic.Int32
	authErr bool
}

func (f *flaky) GetBalance(ctx context.Context) (common.Balance, error) {
	if f.panics.Add(-1) >= 0 {
		panic("connector bug")
	}
	if f.authErr {
		return common.Balance{}, common.NewError(common.KindAuth, "paper", "get_balance", 401, "bad key")
	}
	return f.Exchange.GetBalance(ctx)
}

func cancelAfterCycle(cancel context.CancelFunc) retry.Sleeper {
	return func(ctx context.Context, _ time.Duration) error {
		cancel()
		return context.Canceled
	}
}

func blockUntilDone(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

// newLoop builds a loop whose between-cycle and retry waits go through sleep.
func newLoop(t *testing.T, account string, conn common.Connector, sleep retry.Sleeper) *trading.Loop {
	t.Helper()
	store, err := position.Open(t.TempDir(), account, nil)
	require.NoError(t, err)
	br := breaker.New(breaker.Key{Account: account, Exchange: "paper"}, breaker.Config{RequestsPerMinute: 60000})
	exec := retry.NewExecutor(br, &retry.AccountGuard{}, retry.Config{MaxRetries: 1}, retry.WithSleeper(sleep))
	return trading.NewLoop(trading.LoopConfig{
		AccountID:    account,
		Exchange:     "paper",
		Symbols:      []string{"BTCUSDT"},
		EntrySizeUSD: 100,
	}, conn, exec, store, management.New(account, "paper", 3), enterAll{})
}

func newVenue() *paper.Exchange {
	v := paper.New(paper.Config{InitialBalance: 1000}, nil, nil)
	v.SetPrice("BTCUSDT", 50000)
	return v
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestPanickedLoopIsRestarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := &flaky{Exchange: newVenue()}
	conn.panics.Store(1)

	c := New(Config{MaxRestarts: 3}, WithSleeper(noSleep))
	require.NoError(t, c.Add(newLoop(t, "alice", conn, cancelAfterCycle(cancel))))
	c.Start(ctx)
	c.Wait()

	st, err := c.AccountStatus("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Restarts)
	assert.True(t, st.Stopped)
	assert.Empty(t, st.ExitReason)
	assert.Equal(t, 1, st.PositionCount)
}

func TestRestartLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := &flaky{Exchange: newVenue()}
	conn.panics.Store(100)

	bus := events.NewBus()
	alerts, unsub := bus.Subscribe(events.EventAccountAlert, 1)
	defer unsub()

	c := New(Config{MaxRestarts: 2}, WithSleeper(noSleep), WithBus(bus))
	require.NoError(t, c.Add(newLoop(t, "alice", conn, cancelAfterCycle(cancel))))
	c.Start(ctx)
	c.Wait()

	st, err := c.AccountStatus("alice@paper")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Restarts)
	assert.True(t, st.Stopped)
	assert.Contains(t, st.ExitReason, "panic")
	select {
	case env := <-alerts:
		assert.Equal(t, "alice", env.Account)
	default:
		t.Fatal("expected an account alert")
	}
}

func TestDisabledAccountDoesNotStopOthers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bad := &flaky{Exchange: newVenue(), authErr: true}
	good := newVenue()

	c := New(Config{MaxRestarts: 3}, WithSleeper(noSleep))
	require.NoError(t, c.Add(newLoop(t, "mallory", bad, blockUntilDone)))
	require.NoError(t, c.Add(newLoop(t, "bob", good, blockUntilDone)))
	c.Start(ctx)
	require.Eventually(t, func() bool {
		all := c.GetAllAccountsStatus()
		return all["mallory@paper"].Stopped && all["bob@paper"].Cycles >= 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	c.Wait()

	all := c.GetAllAccountsStatus()
	require.Len(t, all, 2)

	m := all["mallory@paper"]
	assert.True(t, m.Disabled)
	assert.True(t, m.Halted)
	assert.Zero(t, m.Restarts)
	assert.Contains(t, m.ExitReason, retry.ErrAccountDisabled.Error())

	b := all["bob@paper"]
	assert.False(t, b.Disabled)
	assert.Equal(t, 1, b.PositionCount)
}

func TestSetForcedUnwind(t *testing.T) {
	c := New(Config{})
	l := newLoop(t, "alice", newVenue(), blockUntilDone)
	require.NoError(t, c.Add(l))

	require.ErrorIs(t, c.SetForcedUnwind("nobody", true), ErrUnknownAccount)
	require.NoError(t, c.SetForcedUnwind("alice", true))
	assert.True(t, l.Machine().ForcedUnwind())

	st, err := c.AccountStatus("alice")
	require.NoError(t, err)
	assert.True(t, st.ForcedUnwind)

	require.NoError(t, c.SetForcedUnwind("alice@paper", false))
	assert.False(t, l.Machine().ForcedUnwind())
}

func TestAddRejectsDuplicatesAndLateLoops(t *testing.T) {
	c := New(Config{})
	require.NoError(t, c.Add(newLoop(t, "alice", newVenue(), blockUntilDone)))
	require.Error(t, c.Add(newLoop(t, "alice", newVenue(), blockUntilDone)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Start(ctx)
	c.Wait()
	require.Error(t, c.Add(newLoop(t, "bob", newVenue(), blockUntilDone)))

	_, err := c.AccountStatus("carol")
	require.ErrorIs(t, err, ErrUnknownAccount)
}
