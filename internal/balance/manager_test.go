package balance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/exchanges/common"
)

func TestReserveSettleCredit(t *testing.T) {
	tr := NewTracker(nil)
	tr.Update(common.Balance{Currency: "USDT", Total: 100, Available: 80})

	require.NoError(t, tr.Reserve(50))
	assert.Equal(t, 30.0, tr.Available())
	assert.Error(t, tr.Reserve(31))

	tr.Settle(50, 40)
	s := tr.Snapshot()
	assert.Equal(t, 40.0, s.Available)
	assert.Equal(t, 60.0, s.Total)
	assert.Zero(t, s.Reserved)

	tr.Credit(10)
	assert.Equal(t, 50.0, tr.Available())

	require.NoError(t, tr.Reserve(5))
	tr.Update(common.Balance{Currency: "USDT", Total: 70, Available: 70})
	assert.Equal(t, 70.0, tr.Available(), "a fresh read drops reservations")
	assert.False(t, tr.Snapshot().SyncedAt.IsZero())
}
