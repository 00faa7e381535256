// Package strategy holds the signal functions the trading loop consults.
// A Strategy is pure: the same input always gives the same Intent.
package strategy

import "execution-core/pkg/exchanges/common"

type Action string

const (
	ActionEnter Action = "ENTER"
	ActionExit  Action = "EXIT"
	ActionHold  Action = "HOLD"
)

// Intent is a strategy's decision for one symbol.
type Intent struct {
	Action Action
	// SizeHint is the suggested entry size in quote currency; zero leaves
	// sizing to the loop.
	SizeHint float64
	Note     string
}

// Hold is the zero-risk answer.
var Hold = Intent{Action: ActionHold}

// MarketData is what a strategy sees for one symbol.
type MarketData struct {
	Candles    []common.Candle
	LastPrice  float64
	Holding    bool
	EntryPrice float64
}

// Strategy evaluates a symbol.
type Strategy interface {
	Name() string
	Evaluate(symbol string, md MarketData) Intent
}
