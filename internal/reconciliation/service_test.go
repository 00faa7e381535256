package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/breaker"
	"execution-core/internal/events"
	"execution-core/internal/position"
	"execution-core/internal/retry"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

type failingConnector struct {
	*paper.Exchange
	calls int
}

func (f *failingConnector) GetOpenPositions(context.Context) ([]common.Holding, error) {
	f.calls++
	return nil, common.NewError(common.KindAuth, "paper", "get_open_positions", 401, "bad key")
}

func newExecutor(guard *retry.AccountGuard) *retry.Executor {
	br := breaker.New(breaker.Key{Account: "acct", Exchange: "paper"}, breaker.Config{RequestsPerMinute: 60000})
	return retry.NewExecutor(br, guard, retry.Config{MaxRetries: 2},
		retry.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
}

func TestReconcileAdoptsDropsAndAudits(t *testing.T) {
	ctx := context.Background()
	store, err := position.Open(t.TempDir(), "acct", nil)
	require.NoError(t, err)
	_, err = store.ApplyBuy("XRPUSDT", 10, 0.5, "", time.Now())
	require.NoError(t, err)

	venue := paper.New(paper.Config{InitialBalance: 1000}, nil, nil)
	venue.Seed("BTCUSDT", 0.1)

	audit, err := db.Open(":memory:")
	require.NoError(t, err)
	defer audit.Close()
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventReconcileReport, 4)
	defer unsub()

	svc := NewService("acct", "paper", store, newExecutor(&retry.AccountGuard{}), venue,
		WithRecorder(audit), WithBus(bus),
		WithPrices(func(sym string) optional.Option[float64] { return optional.Some(60000.0) }))

	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, report.Adopted)
	assert.Equal(t, []string{"XRPUSDT"}, report.Dropped)

	btc, ok := store.Get("BTCUSDT")
	require.True(t, ok)
	assert.True(t, btc.UnknownBasis)
	assert.Equal(t, 60000.0, btc.EntryPrice)

	rows, err := audit.ListReconcileAudit(ctx, "acct", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Adopted)
	assert.Equal(t, 1, rows[0].Dropped)
	assert.Len(t, ch, 1)

	// Second run with no trades in between changes nothing.
	before := store.Positions()
	report, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, report.Changed())
	assert.Equal(t, before, store.Positions())
	rows, err = audit.ListReconcileAudit(ctx, "acct", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestReconcileAuthFailureDisablesAccount(t *testing.T) {
	store, err := position.Open(t.TempDir(), "acct", nil)
	require.NoError(t, err)
	conn := &failingConnector{Exchange: paper.New(paper.Config{}, nil, nil)}
	guard := &retry.AccountGuard{}
	svc := NewService("acct", "paper", store, newExecutor(guard), conn)

	_, err = svc.Reconcile(context.Background())
	require.Error(t, err)
	assert.True(t, guard.Disabled())

	_, err = svc.Reconcile(context.Background())
	assert.True(t, errors.Is(err, retry.ErrAccountDisabled))
	assert.Equal(t, 1, conn.calls)
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store, err := position.Open(t.TempDir(), "acct", nil)
	require.NoError(t, err)
	venue := paper.New(paper.Config{}, nil, nil)

	off := NewService("acct", "paper", store, newExecutor(&retry.AccountGuard{}), venue)
	assert.False(t, off.Due())

	svc := NewService("acct", "paper", store, newExecutor(&retry.AccountGuard{}), venue, WithInterval(time.Hour))
	svc.now = func() time.Time { return now }
	assert.True(t, svc.Due())
	_, err = svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, svc.Due())
	now = now.Add(time.Hour)
	assert.True(t, svc.Due())
}
