package strategy

import (
	"fmt"

	"execution-core/internal/indicators"
)

// MACross enters on a golden cross of the fast over the slow SMA and exits
// on a death cross. The cross is detected between the last two closed
// candles, so no state is carried between calls.
type MACross struct {
	fastPeriod int
	slowPeriod int
	size       float64
}

func NewMACross(fastPeriod, slowPeriod int, size float64) (*MACross, error) {
	if fastPeriod <= 0 || slowPeriod <= fastPeriod {
		return nil, fmt.Errorf("ma_cross: need 0 < fast (%d) < slow (%d)", fastPeriod, slowPeriod)
	}
	return &MACross{fastPeriod: fastPeriod, slowPeriod: slowPeriod, size: size}, nil
}

func (s *MACross) Name() string {
	return fmt.Sprintf("MA_Cross_%d_%d", s.fastPeriod, s.slowPeriod)
}

// Lookback is the number of candles Evaluate needs.
func (s *MACross) Lookback() int { return s.slowPeriod + 1 }

func (s *MACross) Evaluate(symbol string, md MarketData) Intent {
	closes := indicators.Closes(md.Candles)
	if len(closes) < s.slowPeriod+1 {
		return Hold
	}
	prev := closes[:len(closes)-1]
	oldFast, oldSlow := indicators.SMA(prev, s.fastPeriod), indicators.SMA(prev, s.slowPeriod)
	fast, slow := indicators.SMA(closes, s.fastPeriod), indicators.SMA(closes, s.slowPeriod)

	switch {
	case !md.Holding && oldFast <= oldSlow && fast > slow:
		return Intent{
			Action:   ActionEnter,
			SizeHint: s.size,
			Note:     fmt.Sprintf("golden cross: MA%d(%.4f) > MA%d(%.4f)", s.fastPeriod, fast, s.slowPeriod, slow),
		}
	case md.Holding && oldFast >= oldSlow && fast < slow:
		return Intent{
			Action: ActionExit,
			Note:   fmt.Sprintf("death cross: MA%d(%.4f) < MA%d(%.4f)", s.fastPeriod, fast, s.slowPeriod, slow),
		}
	}
	return Hold
}
