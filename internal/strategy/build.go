package strategy

import "fmt"

// Config selects and parameterises a strategy, as written in the accounts
// file.
type Config struct {
	Type     string             `yaml:"type" validate:"required,oneof=ma_cross rsi"`
	Interval string             `yaml:"interval"`
	Params   map[string]float64 `yaml:"params"`
}

// Lookbacker reports how many candles a strategy needs.
type Lookbacker interface {
	Lookback() int
}

// Build constructs the strategy described by cfg.
func Build(cfg Config) (Strategy, error) {
	p := func(key string, def float64) float64 {
		if v, ok := cfg.Params[key]; ok {
			return v
		}
		return def
	}
	switch cfg.Type {
	case "ma_cross":
		return NewMACross(int(p("fast", 10)), int(p("slow", 30)), p("size", 0))
	case "rsi":
		return NewRSI(int(p("period", 14)), p("oversold", 30), p("overbought", 70), p("size", 0))
	default:
		return nil, fmt.Errorf("unknown strategy type %q", cfg.Type)
	}
}
