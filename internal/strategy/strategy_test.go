package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/exchanges/common"
)

func candles(closes ...float64) []common.Candle {
	out := make([]common.Candle, len(closes))
	for i, c := range closes {
		out[i] = common.Candle{Close: c}
	}
	return out
}

func TestMACrossGoldenAndDeathCross(t *testing.T) {
	s, err := NewMACross(2, 3, 50)
	require.NoError(t, err)

	// fast(2) of [3,2,1] = 1.5 < slow 2; then [2,1,5] fast 3 > slow 2.67.
	up := candles(3, 2, 1, 5)
	in := s.Evaluate("BTCUSDT", MarketData{Candles: up})
	assert.Equal(t, ActionEnter, in.Action)
	assert.Equal(t, 50.0, in.SizeHint)

	assert.Equal(t, ActionHold, s.Evaluate("BTCUSDT", MarketData{Candles: up, Holding: true}).Action)

	down := candles(1, 2, 3, 0)
	assert.Equal(t, ActionExit, s.Evaluate("BTCUSDT", MarketData{Candles: down, Holding: true}).Action)
	assert.Equal(t, ActionHold, s.Evaluate("BTCUSDT", MarketData{Candles: down}).Action)
}

func TestMACrossNeedsHistory(t *testing.T) {
	s, err := NewMACross(2, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, Hold, s.Evaluate("X", MarketData{Candles: candles(1, 2, 3)}))
	assert.Equal(t, 4, s.Lookback())

	_, err = NewMACross(5, 5, 0)
	assert.Error(t, err)
}

func TestRSI(t *testing.T) {
	s, err := NewRSI(2, 30, 70, 0)
	require.NoError(t, err)
	falling := candles(10, 9, 8)
	rising := candles(8, 9, 10)
	assert.Equal(t, ActionEnter, s.Evaluate("X", MarketData{Candles: falling}).Action)
	assert.Equal(t, ActionExit, s.Evaluate("X", MarketData{Candles: rising, Holding: true}).Action)
	assert.Equal(t, ActionHold, s.Evaluate("X", MarketData{Candles: rising}).Action)

	_, err = NewRSI(14, 80, 20, 0)
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	s, err := Build(Config{Type: "ma_cross", Params: map[string]float64{"fast": 5, "slow": 20}})
	require.NoError(t, err)
	assert.Equal(t, "MA_Cross_5_20", s.Name())

	s, err = Build(Config{Type: "rsi"})
	require.NoError(t, err)
	assert.Equal(t, "RSI_14", s.Name())

	_, err = Build(Config{Type: "grid"})
	assert.Error(t, err)
}
