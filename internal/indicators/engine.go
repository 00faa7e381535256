package indicators

import "execution-core/pkg/exchanges/common"

// Closes extracts close prices in candle order.
func Closes(candles []common.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
