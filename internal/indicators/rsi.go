package indicators

// RSI is the unsmoothed Relative Strength Index over the last period
// changes. It returns 0 when there is not enough data.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}

	var gain, loss float64
	for i := len(values) - period; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}

	if loss == 0 {
		return 100
	}
	return 100 - 100/(1+gain/loss)
}
