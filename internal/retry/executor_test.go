package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"execution-core/internal/breaker"
	"execution-core/internal/events"
	"execution-core/pkg/exchanges/common"
)

// scriptedConnector returns queued errors from PlaceOrder and GetBalance,
// then succeeds.
type scriptedConnector struct {
	mu          sync.Mutex
	errs        []error
	always      error
	calls       int
	orders      map[string]common.OrderResult
	fillRatio   float64
	queryStatus []common.OrderStatus
	queries     int
}

func (c *scriptedConnector) next() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.always != nil {
		return c.always
	}
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return err
	}
	return nil
}

func (c *scriptedConnector) Name() string { return "scripted" }

func (c *scriptedConnector) GetBalance(ctx context.Context) (common.Balance, error) {
	if err := c.next(); err != nil {
		return common.Balance{}, err
	}
	return common.Balance{Available: 100, Currency: "USDT"}, nil
}

func (c *scriptedConnector) GetCandles(context.Context, string, string, int) ([]common.Candle, error) {
	return nil, nil
}

func (c *scriptedConnector) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := c.next(); err != nil {
		return common.OrderResult{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orders == nil {
		c.orders = map[string]common.OrderResult{}
	}
	if prev, ok := c.orders[req.ClientOrderID]; ok {
		return prev, nil
	}
	ratio := c.fillRatio
	if ratio == 0 {
		ratio = 1
	}
	status := common.StatusFilled
	if len(c.queryStatus) > 0 {
		status = common.StatusNew
	}
	res := common.OrderResult{
		OrderID: "1", ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Side: req.Side,
		RequestedQuantity: req.Quantity, FilledQuantity: req.Quantity * ratio, AvgFillPrice: 10, Status: status,
	}
	c.orders[req.ClientOrderID] = res
	return res, nil
}

func (c *scriptedConnector) GetOrder(ctx context.Context, symbol, clientOrderID string) (common.OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.orders[clientOrderID]
	if c.queries < len(c.queryStatus) {
		res.Status = c.queryStatus[c.queries]
	}
	c.queries++
	return res, nil
}

func (c *scriptedConnector) CancelOrder(context.Context, string, string) error { return nil }

func (c *scriptedConnector) GetOpenPositions(context.Context) ([]common.Holding, error) {
	return nil, nil
}

func networkErr() error {
	return common.NewError(common.KindNetwork, "scripted", "op", 0, "connection reset by peer")
}

type ExecutorSuite struct {
	suite.Suite
	conn   *scriptedConnector
	br     *breaker.Breaker
	guard  *AccountGuard
	bus    *events.Bus
	sleeps []time.Duration
	exec   *Executor
}

func (s *ExecutorSuite) SetupTest() {
	s.conn = &scriptedConnector{}
	s.br = breaker.New(breaker.Key{Account: "acct", Exchange: "scripted"}, breaker.Config{
		RequestsPerMinute: 60000, Threshold: 100, Cooldown: time.Second, MaxCooldown: time.Minute,
	})
	s.guard = &AccountGuard{}
	s.bus = events.NewBus()
	s.sleeps = nil
	ids := 0
	s.exec = NewExecutor(s.br, s.guard, Config{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, VerifyAttempts: 3},
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			s.sleeps = append(s.sleeps, d)
			return ctx.Err()
		}),
		WithBus(s.bus),
		WithIDFunc(func() string { ids++; return "cid-" + string(rune('0'+ids)) }),
	)
}

func (s *ExecutorSuite) balance() (common.Balance, error) {
	return Call(context.Background(), s.exec, "get_balance", s.conn.GetBalance)
}

// A connector that always fails with a network error is called exactly
// MaxRetries times and the error surfaces.
func (s *ExecutorSuite) TestRetryBound() {
	s.conn.always = networkErr()
	_, err := s.balance()
	s.Require().Error(err)
	s.ErrorIs(err, ErrRetriesExhausted)
	s.Equal(common.KindNetwork, common.KindOf(err))
	s.Equal(5, s.conn.calls)
	s.Len(s.sleeps, 4)
}

func (s *ExecutorSuite) TestBackoffGrows() {
	s.conn.always = networkErr()
	_, _ = s.balance()
	s.Require().Len(s.sleeps, 4)
	// randomization factor 0.3 around 100ms, 200ms, 400ms, 800ms
	s.InDelta(float64(100*time.Millisecond), float64(s.sleeps[0]), float64(30*time.Millisecond))
	s.InDelta(float64(800*time.Millisecond), float64(s.sleeps[3]), float64(240*time.Millisecond))
}

func (s *ExecutorSuite) TestRecoversAfterTransientErrors() {
	s.conn.errs = []error{networkErr(), common.NewError(common.KindRateLimit, "scripted", "op", 429, "slow down")}
	bal, err := s.balance()
	s.Require().NoError(err)
	s.InDelta(100, bal.Available, 1e-9)
	s.Equal(3, s.conn.calls)
	s.Zero(s.br.Snapshot().ConsecutiveErrors)
}

// Auth errors are not retried, disable the account, and later calls never
// reach the connector.
func (s *ExecutorSuite) TestAuthNoRetry() {
	disabled, unsub := s.bus.Subscribe(events.EventAccountDisabled, 1)
	defer unsub()

	s.conn.always = common.NewError(common.KindAuth, "scripted", "get_balance", -2015, "invalid api key")
	_, err := s.balance()
	s.Require().Error(err)
	s.Equal(1, s.conn.calls)
	s.True(s.guard.Disabled())
	s.Len(disabled, 1)

	_, err = s.balance()
	s.ErrorIs(err, ErrAccountDisabled)
	s.Equal(1, s.conn.calls)
	s.Empty(s.sleeps)
}

func (s *ExecutorSuite) TestInsufficientFundsIsFatalForCallOnly() {
	s.conn.errs = []error{common.NewError(common.KindInsufficientFunds, "scripted", "place_order", -2010, "insufficient balance")}
	_, err := s.exec.SubmitOrder(context.Background(), s.conn, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 1})
	s.Require().Error(err)
	s.Equal(1, s.conn.calls)
	s.False(s.guard.Disabled())

	_, err = s.exec.SubmitOrder(context.Background(), s.conn, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 1})
	s.NoError(err)
}

func (s *ExecutorSuite) TestBreakerOpenIsWaitedOut() {
	s.br = breaker.New(breaker.Key{Account: "acct", Exchange: "scripted"}, breaker.Config{
		RequestsPerMinute: 60000, Threshold: 2, Cooldown: 5 * time.Second, MaxCooldown: time.Minute,
	})
	exec := NewExecutor(s.br, s.guard, Config{MaxRetries: 3, BaseDelay: time.Millisecond},
		WithSleeper(func(ctx context.Context, d time.Duration) error { s.sleeps = append(s.sleeps, d); return nil }))
	s.conn.always = networkErr()
	_, err := Call(context.Background(), exec, "get_balance", s.conn.GetBalance)
	s.Error(err)
	// two failures trip the breaker; the third attempt first sleeps out the cooldown
	s.Require().Len(s.sleeps, 3)
	s.InDelta(float64(5*time.Second), float64(s.sleeps[2]), float64(100*time.Millisecond))
}

func (s *ExecutorSuite) TestClientOrderIDStableAcrossRetries() {
	s.conn.errs = []error{networkErr()}
	res, err := s.exec.SubmitOrder(context.Background(), s.conn, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideBuy, Quantity: 2})
	s.Require().NoError(err)
	s.Equal("cid-1", res.ClientOrderID)
	s.Len(s.conn.orders, 1)
	s.False(res.Partial)
}

func (s *ExecutorSuite) TestPartialFillDetected() {
	partials, unsub := s.bus.Subscribe(events.EventOrderPartiallyFilled, 1)
	defer unsub()
	s.conn.fillRatio = 0.5
	res, err := s.exec.SubmitOrder(context.Background(), s.conn, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideSell, Quantity: 2})
	s.Require().NoError(err)
	s.True(res.Partial)
	s.InDelta(1, res.FilledQuantity, 1e-9)
	env := <-partials
	pf, ok := env.Payload.(PartialFill)
	s.Require().True(ok)
	s.InDelta(0.5, pf.Shortfall, 1e-9)
}

func (s *ExecutorSuite) TestWithinToleranceIsNotPartial() {
	s.conn.fillRatio = 0.995
	res, err := s.exec.SubmitOrder(context.Background(), s.conn, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideSell, Quantity: 2})
	s.Require().NoError(err)
	s.False(res.Partial)
}

func (s *ExecutorSuite) TestVerificationPollsUntilTerminal() {
	s.conn.queryStatus = []common.OrderStatus{common.StatusNew, common.StatusFilled}
	res, err := s.exec.SubmitOrder(context.Background(), s.conn, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideBuy, Quantity: 2})
	s.Require().NoError(err)
	s.Equal(common.StatusFilled, res.Status)
	s.Equal(2, s.conn.queries)
}

func (s *ExecutorSuite) TestVerificationGivesUp() {
	s.conn.queryStatus = []common.OrderStatus{common.StatusNew, common.StatusNew, common.StatusNew, common.StatusNew}
	res, err := s.exec.SubmitOrder(context.Background(), s.conn, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideBuy, Quantity: 2})
	s.Require().NoError(err)
	s.Equal(common.StatusNew, res.Status)
	s.Equal(3, s.conn.queries)
}

func TestExecutorSuite(t *testing.T) {
	suite.Run(t, new(ExecutorSuite))
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	br := breaker.New(breaker.Key{Account: "a", Exchange: "x"}, breaker.Config{RequestsPerMinute: 60000})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	exec := NewExecutor(br, &AccountGuard{}, Config{MaxRetries: 5},
		WithSleeper(func(ctx context.Context, d time.Duration) error { cancel(); return ctx.Err() }))
	_, err := Call(ctx, exec, "op", func(context.Context) (int, error) {
		calls++
		return 0, networkErr()
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestCallTimeoutIsRetryableNetworkError(t *testing.T) {
	br := breaker.New(breaker.Key{Account: "a", Exchange: "x"}, breaker.Config{RequestsPerMinute: 60000, Threshold: 100})
	exec := NewExecutor(br, &AccountGuard{}, Config{MaxRetries: 2, CallTimeout: 10 * time.Millisecond},
		WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }))
	calls := 0
	_, err := Call(context.Background(), exec, "slow", func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, common.KindNetwork, common.KindOf(err))
	assert.Equal(t, 2, calls)
}

func TestGuardDisableOnce(t *testing.T) {
	var g AccountGuard
	assert.True(t, g.Disable("first"))
	assert.False(t, g.Disable("second"))
	assert.Equal(t, "first", g.Reason())
}
