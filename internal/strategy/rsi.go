package strategy

import (
	"fmt"

	"execution-core/internal/indicators"
)

// RSI enters when the index drops below oversold and exits above
// overbought.
type RSI struct {
	period     int
	oversold   float64
	overbought float64
	size       float64
}

func NewRSI(period int, oversold, overbought, size float64) (*RSI, error) {
	if period <= 0 {
		return nil, fmt.Errorf("rsi: period must be positive, got %d", period)
	}
	if oversold <= 0 {
		oversold = 30
	}
	if overbought <= 0 {
		overbought = 70
	}
	if oversold >= overbought {
		return nil, fmt.Errorf("rsi: oversold %.1f must be below overbought %.1f", oversold, overbought)
	}
	return &RSI{period: period, oversold: oversold, overbought: overbought, size: size}, nil
}

func (s *RSI) Name() string { return fmt.Sprintf("RSI_%d", s.period) }

func (s *RSI) Lookback() int { return s.period + 1 }

func (s *RSI) Evaluate(symbol string, md MarketData) Intent {
	closes := indicators.Closes(md.Candles)
	if len(closes) < s.period+1 {
		return Hold
	}
	rsi := indicators.RSI(closes, s.period)
	switch {
	case !md.Holding && rsi < s.oversold:
		return Intent{Action: ActionEnter, SizeHint: s.size, Note: fmt.Sprintf("rsi %.1f < %.1f", rsi, s.oversold)}
	case md.Holding && rsi > s.overbought:
		return Intent{Action: ActionExit, Note: fmt.Sprintf("rsi %.1f > %.1f", rsi, s.overbought)}
	}
	return Hold
}
